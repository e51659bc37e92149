package ingest

import "election_results/pkg/data"

// Event is one streamed job update. The concrete type carries the payload;
// Kind distinguishes events without a type switch at call sites that only
// need the name.
type Event interface {
	Kind() string
}

// Created announces a freshly registered upload, before any line is processed.
type Created struct {
	Event      string `json:"event"`
	UploadID   int64  `json:"upload_id"`
	Filename   string `json:"filename"`
	TotalLines int    `json:"total_lines"`
}

func (Created) Kind() string { return "created" }

// Progress reports partial completion of an ingestion or rollback job.
type Progress struct {
	Event     string  `json:"event"`
	UploadID  int64   `json:"upload_id"`
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percentage"`
}

func (Progress) Kind() string { return "progress" }

// Completed is the terminal event of a successful ingestion job.
type Completed struct {
	Event          string             `json:"event"`
	UploadID       int64              `json:"upload_id"`
	Status         data.UploadStatus  `json:"status"`
	TotalLines     int                `json:"total_lines"`
	ProcessedLines int                `json:"processed_lines"`
	ErrorLines     int                `json:"error_lines"`
	Errors         []data.UploadError `json:"errors"`
}

func (Completed) Kind() string { return "complete" }

// Started announces a rollback after its preconditions have been checked.
type Started struct {
	Event         string `json:"event"`
	UploadID      int64  `json:"upload_id"`
	TotalAffected int    `json:"total_affected"`
}

func (Started) Kind() string { return "started" }

// RollbackComplete is the terminal event of a successful rollback.
type RollbackComplete struct {
	Event      string `json:"event"`
	UploadID   int64  `json:"upload_id"`
	Message    string `json:"message"`
	RolledBack int    `json:"rolled_back"`
}

func (RollbackComplete) Kind() string { return "complete" }

// Failure is the terminal event of a job that could not run. UploadID is zero
// when the job failed before an upload row existed. Err carries the
// underlying cause for synchronous callers; it is not serialized.
type Failure struct {
	Event    string `json:"event"`
	UploadID int64  `json:"upload_id,omitempty"`
	Message  string `json:"detail"`
	Err      error  `json:"-"`
}

func (Failure) Kind() string { return "error" }

func newProgress(uploadID int64, processed, total int) Progress {
	percent := 100.0
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	return Progress{
		Event:     "progress",
		UploadID:  uploadID,
		Processed: processed,
		Total:     total,
		Percent:   percent,
	}
}

func newFailure(uploadID int64, err error) Failure {
	return Failure{Event: "error", UploadID: uploadID, Message: err.Error(), Err: err}
}
