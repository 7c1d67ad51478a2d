// Package types contains shared types used across multiple packages to avoid import cycles.
package types

import "time"

// Record is one output row of a pipeline stage. Records are keyed by URL.
type Record struct {
	Key     string         `json:"key"`
	Origin  string         `json:"origin,omitempty"` // input key that produced this record, when different from Key
	Format  string         `json:"format,omitempty"` // html, json, xml, text, bin
	Content []byte         `json:"content,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Failed reports whether the record marks an item that exhausted its retries.
func (r Record) Failed() bool {
	return r.Error != ""
}

// CompletionKey returns the input key this record accounts for.
func (r Record) CompletionKey() string {
	if r.Origin != "" {
		return r.Origin
	}
	return r.Key
}

// FailureRecord builds the error-marked record persisted for an item that failed every attempt.
func FailureRecord(key string, err error) Record {
	msg := "failed after retries"
	if err != nil {
		msg = err.Error()
	}
	return Record{Key: key, Error: msg}
}

// StageStats contains counters collected while running one stage.
type StageStats struct {
	Total     int           // keys the stage set out to process
	Processed int           // keys whose handler finished (success or failure)
	Succeeded int           // keys that produced at least one success record
	Failed    int           // keys that exhausted their retries
	Skipped   int           // input rows ignored because of an upstream error
	Records   int           // records written to checkpoints
	Retries   int           // failed attempts that were retried
	Duration  time.Duration // wall time of the stage
}
