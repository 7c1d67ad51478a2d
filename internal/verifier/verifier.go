// Package verifier checks the integrity of finalized stage outputs.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/store"
	"github.com/dbsmedya/goscrape/internal/types"
)

// VerificationMethod defines how to verify an output.
type VerificationMethod string

const (
	// MethodCount checks that every expected key is covered exactly once (fast)
	MethodCount VerificationMethod = "count"
	// MethodSHA256 also digests the records and compares against a known digest
	MethodSHA256 VerificationMethod = "sha256"
	// MethodSkip skips verification entirely
	MethodSkip VerificationMethod = "skip"
)

// maxReportedMissing caps the keys listed in a mismatch message.
const maxReportedMissing = 5

// VerifyResult holds verification results for a single stage output.
type VerifyResult struct {
	Stage        string
	Method       VerificationMethod
	Expected     int
	Records      int
	Duplicates   int
	Pending      int // checkpoints that were not merged
	Missing      []string
	Hash         string
	Match        bool
	ErrorMessage string
}

// Verifier checks stage outputs after finalize.
type Verifier struct {
	method VerificationMethod
	logger *logger.Logger
}

// NewVerifier creates a verifier. An empty method means count.
func NewVerifier(method VerificationMethod, log *logger.Logger) (*Verifier, error) {
	if method == "" {
		method = MethodCount
	}
	switch method {
	case MethodCount, MethodSHA256, MethodSkip:
	default:
		return nil, fmt.Errorf("unsupported verification method: %s", method)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Verifier{method: method, logger: log}, nil
}

// Method returns the configured method.
func (v *Verifier) Method() VerificationMethod {
	return v.method
}

// Verify checks the output of st. Every key in expected must be accounted
// for by a record (success or error), no key may appear twice and no
// checkpoint may be left behind. With sha256, wantHash is compared against
// the digest of the output when it is not empty.
//
// A mismatch is returned as an error together with the result.
func (v *Verifier) Verify(ctx context.Context, stage string, st *store.Store, expected []string, wantHash string) (*VerifyResult, error) {
	if v.method == MethodSkip {
		v.logger.Infow("Verification SKIPPED (method=skip)", "stage", stage)
		return &VerifyResult{Stage: stage, Method: MethodSkip, Match: true}, nil
	}
	if st == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verification interrupted: %w", err)
	}

	records, err := st.Records()
	if err != nil {
		return nil, fmt.Errorf("failed to read output of %s: %w", stage, err)
	}
	checkpoints, err := st.Checkpoints()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints of %s: %w", stage, err)
	}

	result := &VerifyResult{
		Stage:   stage,
		Method:  v.method,
		Records: len(records),
		Pending: len(checkpoints),
	}

	seen := make(map[string]bool, len(records))
	covered := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Key] {
			result.Duplicates++
		}
		seen[r.Key] = true
		covered[r.CompletionKey()] = true
	}

	want := make(map[string]bool, len(expected))
	for _, k := range expected {
		if want[k] {
			continue
		}
		want[k] = true
		if !covered[k] {
			result.Missing = append(result.Missing, k)
		}
	}
	result.Expected = len(want)

	if v.method == MethodSHA256 {
		result.Hash = HashRecords(records)
	}

	switch {
	case result.Pending > 0:
		result.ErrorMessage = fmt.Sprintf("%d checkpoints were not merged", result.Pending)
	case result.Duplicates > 0:
		result.ErrorMessage = fmt.Sprintf("%d duplicate keys", result.Duplicates)
	case len(result.Missing) > 0:
		shown := result.Missing
		if len(shown) > maxReportedMissing {
			shown = shown[:maxReportedMissing]
		}
		result.ErrorMessage = fmt.Sprintf("count mismatch: expected=%d, missing=%d %v",
			result.Expected, len(result.Missing), shown)
	case wantHash != "" && result.Hash != "" && wantHash != result.Hash:
		result.ErrorMessage = fmt.Sprintf("hash mismatch: want=%s, got=%s", short(wantHash), short(result.Hash))
	default:
		result.Match = true
	}

	if !result.Match {
		v.logger.Errorw("Verification FAILED", "stage", stage, "reason", result.ErrorMessage)
		return result, fmt.Errorf("verification mismatch in stage %s: %s", stage, result.ErrorMessage)
	}

	v.logger.Infow("Verification PASSED",
		"stage", stage,
		"method", v.method,
		"records", result.Records,
		"expected", result.Expected)
	return result, nil
}

// HashRecords returns the hex SHA256 of records sorted by key. The digest is
// independent of the order records were merged in.
func HashRecords(records []types.Record) string {
	sorted := make([]types.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	hasher := sha256.New()
	for _, r := range sorted {
		line, err := json.Marshal(r)
		if err != nil {
			// Fields that cannot be marshaled never reach a finalized file.
			line = []byte(r.Key)
		}
		hasher.Write(line)
		hasher.Write([]byte("\n"))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
