package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dbsmedya/goscrape/internal/pipeline"
	"github.com/dbsmedya/goscrape/internal/report"
	"github.com/dbsmedya/goscrape/internal/verifier"
)

func printRunResult(p *report.Printer, result *pipeline.RunResult) {
	p.Blank()
	p.Header("Run Complete: %s", result.Pipeline)
	p.KV(8, "Run ID", result.RunID)
	p.KV(8, "Duration", result.Duration.Round(time.Millisecond))
	p.KV(8, "Success", result.Success)
	p.Blank()

	rows := make([][]string, 0, len(result.Stages))
	for _, s := range result.Stages {
		rows = append(rows, []string{
			s.Name,
			s.Kind,
			p.Status(string(s.Status)),
			itoa(s.Stats.Processed),
			itoa(s.Stats.Succeeded),
			itoa(s.Stats.Failed),
			itoa(s.Stats.Records),
			itoa(s.Stats.Retries),
			itoa(s.Published),
			s.Stats.Duration.Round(time.Millisecond).String(),
		})
	}
	p.Table([]string{"STAGE", "KIND", "STATUS", "PROCESSED", "OK", "FAILED", "RECORDS", "RETRIES", "PUBLISHED", "DURATION"}, rows)

	for _, s := range result.Stages {
		if s.Err != nil {
			p.Blank()
			p.Line("Stage %s: %v", s.Name, s.Err)
		}
	}
}

func printVerifyResults(p *report.Printer, results []*verifier.VerifyResult) {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		state := "match"
		if !r.Match {
			state = "mismatch"
		}
		hash := r.Hash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{
			r.Stage,
			string(r.Method),
			itoa(r.Expected),
			itoa(r.Records),
			itoa(r.Duplicates),
			itoa(r.Pending),
			p.Status(state),
			dash(hash),
		})
	}
	p.Table([]string{"STAGE", "METHOD", "EXPECTED", "RECORDS", "DUPLICATES", "PENDING", "RESULT", "HASH"}, rows)

	for _, r := range results {
		if r.ErrorMessage != "" {
			p.Line("  %s: %s", r.Stage, r.ErrorMessage)
		}
	}
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func ratio(done, total int) string {
	return fmt.Sprintf("%d/%d", done, total)
}
