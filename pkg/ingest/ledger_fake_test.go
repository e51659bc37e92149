package ingest

import (
	"context"
	"sync"
	"time"

	"election_results/pkg/data"
)

// fakeLedger is an in-memory Ledger with the same semantics as the Postgres
// repository: append-only versions, one per (constituency, upload), current
// state derived from the greatest surviving upload id.
type fakeLedger struct {
	mu          sync.Mutex
	uploads     map[int64]*data.Upload
	versions    []*data.ResultVersion
	current     map[int64]int64 // constituency id -> version id
	nextUpload  int64
	nextVersion int64

	appendErr    error // injected storage failure
	createErr    error
	recomputeErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		uploads: map[int64]*data.Upload{},
		current: map[int64]int64{},
	}
}

func (f *fakeLedger) CreateUpload(ctx context.Context, filename string, totalLines int) (*data.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextUpload++
	u := &data.Upload{
		ID:         f.nextUpload,
		Filename:   filename,
		Status:     data.UploadProcessing,
		TotalLines: totalLines,
		Errors:     []data.UploadError{},
		StartedAt:  time.Now(),
	}
	f.uploads[u.ID] = u
	return u, nil
}

func (f *fakeLedger) finish(id int64, status data.UploadStatus, processed int, lineErrors []data.UploadError) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.uploads[id]
	if !ok || u.Status != data.UploadProcessing {
		return data.ErrNotFound
	}
	if lineErrors == nil {
		lineErrors = []data.UploadError{}
	}
	now := time.Now()
	u.Status = status
	u.ProcessedLines = processed
	u.ErrorLines = len(lineErrors)
	u.Errors = lineErrors
	u.CompletedAt = &now
	return nil
}

func (f *fakeLedger) CompleteUpload(ctx context.Context, id int64, processedLines int, lineErrors []data.UploadError) error {
	return f.finish(id, data.UploadCompleted, processedLines, lineErrors)
}

func (f *fakeLedger) FailUpload(ctx context.Context, id int64, lineErrors []data.UploadError) error {
	return f.finish(id, data.UploadFailed, 0, lineErrors)
}

func (f *fakeLedger) GetUpload(ctx context.Context, id int64) (*data.Upload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (f *fakeLedger) AppendVersion(ctx context.Context, constituencyID, uploadID int64, tally data.PartyVotes) (*data.ResultVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}

	for _, v := range f.versions {
		if v.ConstituencyID == constituencyID && v.UploadID == uploadID {
			return nil, data.ErrConflict
		}
	}

	f.nextVersion++
	v := data.NewResultVersion(constituencyID, uploadID, tally)
	v.ID = f.nextVersion
	v.CreatedAt = time.Now()
	f.versions = append(f.versions, v)
	f.recomputeLocked(constituencyID)
	return v, nil
}

func (f *fakeLedger) CurrentVersion(ctx context.Context, constituencyID int64) (*data.ResultVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, ok := f.current[constituencyID]
	if !ok {
		return nil, nil
	}
	for _, v := range f.versions {
		if v.ID == id {
			copied := *v
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeLedger) VersionsTouchedBy(ctx context.Context, uploadID int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int64
	for _, v := range f.versions {
		if v.UploadID == uploadID {
			out = append(out, v.ConstituencyID)
		}
	}
	return out, nil
}

func (f *fakeLedger) MarkUploadDeleted(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	u, ok := f.uploads[id]
	if !ok {
		return data.ErrNotFound
	}
	if u.DeletedAt != nil {
		return data.ErrAlreadyDeleted
	}
	now := time.Now()
	u.DeletedAt = &now
	return nil
}

func (f *fakeLedger) RecomputeCurrent(ctx context.Context, constituencyID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recomputeErr != nil {
		return f.recomputeErr
	}
	f.recomputeLocked(constituencyID)
	return nil
}

func (f *fakeLedger) recomputeLocked(constituencyID int64) {
	var best *data.ResultVersion
	for _, v := range f.versions {
		if v.ConstituencyID != constituencyID {
			continue
		}
		if u, ok := f.uploads[v.UploadID]; !ok || u.DeletedAt != nil {
			continue
		}
		if best == nil || v.UploadID > best.UploadID {
			best = v
		}
	}
	if best == nil {
		delete(f.current, constituencyID)
		return
	}
	f.current[constituencyID] = best.ID
}
