package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"

	"election_results/pkg/data"
	"election_results/pkg/ingest"
)

// jobContext detaches a job from the request lifecycle. A client that stops
// listening must not abort the server-side ingestion or rollback, otherwise a
// partially applied job would strand uploads in processing state or leave
// stale current results behind.
func jobContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := s.openUploadedFile(w, r)
	if !ok {
		return
	}

	var (
		completed *ingest.Completed
		failure   *ingest.Failure
	)
	for ev := range s.pipeline.Run(jobContext(r), file, filename) {
		switch e := ev.(type) {
		case ingest.Completed:
			completed = &e
		case ingest.Failure:
			failure = &e
		}
	}

	switch {
	case failure != nil:
		s.respondError(w, statusForError(failure.Err), failure.Message)
	case completed != nil:
		s.respondJSON(w, http.StatusCreated, completed)
	default:
		s.respondError(w, http.StatusInternalServerError, "upload produced no result")
	}
}

func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	file, filename, ok := s.openUploadedFile(w, r)
	if !ok {
		return
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.streamEvents(stream, s.pipeline.Run(jobContext(r), file, filename))
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	var (
		complete *ingest.RollbackComplete
		failure  *ingest.Failure
	)
	for ev := range s.rollback.Run(jobContext(r), id) {
		switch e := ev.(type) {
		case ingest.RollbackComplete:
			complete = &e
		case ingest.Failure:
			failure = &e
		}
	}

	switch {
	case failure != nil:
		s.respondError(w, statusForError(failure.Err), failure.Message)
	case complete != nil:
		s.respondJSON(w, http.StatusOK, complete)
	default:
		s.respondError(w, http.StatusInternalServerError, "rollback produced no result")
	}
}

func (s *Server) handleRollbackStream(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	stream, err := newSSEWriter(w)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.streamEvents(stream, s.rollback.Run(jobContext(r), id))
}

// streamEvents forwards job events to the client. The source channel is
// always drained so the job goroutine can finish even after the client
// disconnects.
func (s *Server) streamEvents(stream *sseWriter, events <-chan ingest.Event) {
	clientGone := false
	for ev := range events {
		if clientGone {
			continue
		}
		if err := stream.Send(ev); err != nil {
			s.logger.Debug("Client disconnected mid-stream", zap.Error(err))
			clientGone = true
		}
	}
}

func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	filter := data.UploadFilter{
		Status:         r.URL.Query().Get("status"),
		Search:         r.URL.Query().Get("search"),
		IncludeDeleted: r.URL.Query().Get("include_deleted") == "true",
		Page:           queryInt(r, "page", 1),
		PageSize:       queryInt(r, "page_size", 20),
	}

	uploads, total, err := s.store.ListUploads(r.Context(), filter)
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	if uploads == nil {
		uploads = []*data.Upload{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"uploads":   uploads,
		"total":     total,
		"page":      filter.Page,
		"page_size": filter.PageSize,
	})
}

func (s *Server) handleUploadStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.UploadStats(r.Context())
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	upload, err := s.store.GetUpload(r.Context(), id)
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, upload)
}

func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.store.GetTotals(r.Context())
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, totals)
}

func (s *Server) handleListConstituencies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var regionIDs []int64
	for _, raw := range q["region_id"] {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid region_id: "+raw)
			return
		}
		regionIDs = append(regionIDs, id)
	}

	filter := data.ConstituencyFilter{
		Search:    q.Get("search"),
		RegionIDs: regionIDs,
		SortBy:    q.Get("sort_by"),
		SortDir:   q.Get("sort_dir"),
		Page:      queryInt(r, "page", 1),
		PageSize:  queryInt(r, "page_size", 50),
	}

	constituencies, total, err := s.store.ListConstituencies(r.Context(), filter)
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	if constituencies == nil {
		constituencies = []*data.ConstituencySummary{}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"constituencies": constituencies,
		"total":          total,
		"page":           filter.Page,
		"page_size":      filter.PageSize,
	})
}

func (s *Server) handleConstituencyDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}

	detail, err := s.store.GetConstituencyDetail(r.Context(), id)
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	regions, err := s.store.ListRegions(r.Context())
	if err != nil {
		s.respondError(w, statusForError(err), err.Error())
		return
	}
	if regions == nil {
		regions = []*data.Region{}
	}
	s.respondJSON(w, http.StatusOK, regions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.healthy() {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

// openUploadedFile extracts and validates the "file" part of a multipart
// submission. The body is capped at the configured upload limit before
// parsing, and the content must be UTF-8 text with a non-empty filename.
func (s *Server) openUploadedFile(w http.ResponseWriter, r *http.Request) (io.Reader, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload size limit")
			return nil, "", false
		}
		s.respondError(w, http.StatusBadRequest, "missing or unreadable file field")
		return nil, "", false
	}
	defer file.Close()

	if header.Filename == "" {
		s.respondError(w, http.StatusBadRequest, "missing filename")
		return nil, "", false
	}

	content, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unreadable file contents")
		return nil, "", false
	}
	if !utf8.Valid(content) {
		s.respondError(w, http.StatusBadRequest, "file must be UTF-8 encoded text")
		return nil, "", false
	}
	return bytes.NewReader(content), header.Filename, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		s.respondError(w, http.StatusBadRequest, "invalid upload id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return def
	}
	return v
}
