package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"election_results/pkg/data"
	"election_results/pkg/match"
	"election_results/pkg/metrics"
	"election_results/pkg/parse"
)

// ErrUploadInFlight is returned when a rollback targets an upload that is
// still processing.
var ErrUploadInFlight = errors.New("upload is still processing")

// Ledger is the subset of the repository used by ingestion and rollback.
type Ledger interface {
	CreateUpload(ctx context.Context, filename string, totalLines int) (*data.Upload, error)
	CompleteUpload(ctx context.Context, id int64, processedLines int, lineErrors []data.UploadError) error
	FailUpload(ctx context.Context, id int64, lineErrors []data.UploadError) error
	GetUpload(ctx context.Context, id int64) (*data.Upload, error)
	AppendVersion(ctx context.Context, constituencyID, uploadID int64, tally data.PartyVotes) (*data.ResultVersion, error)
	VersionsTouchedBy(ctx context.Context, uploadID int64) ([]int64, error)
	MarkUploadDeleted(ctx context.Context, id int64) error
	RecomputeCurrent(ctx context.Context, constituencyID int64) error
}

// Pipeline ingests result files into the ledger, one upload per file.
type Pipeline struct {
	ledger    Ledger
	matcher   *match.Matcher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(ledger Ledger, matcher *match.Matcher, m *metrics.Metrics, logger *zap.Logger, batchSize int) *Pipeline {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Pipeline{
		ledger:    ledger,
		matcher:   matcher,
		logger:    logger,
		metrics:   m,
		batchSize: batchSize,
	}
}

type numberedLine struct {
	num  int
	text string
}

// readLines consumes the whole submission up front so that the total line
// count is known before the upload row is created. Blank lines are dropped
// here and never counted, but numbering still follows the raw file.
func readLines(r io.Reader) ([]numberedLine, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lines []numberedLine
	num := 0
	for scanner.Scan() {
		num++
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, numberedLine{num: num, text: text})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading submission: %w", err)
	}
	return lines, nil
}

// Run processes one submitted file and streams job events. The returned
// channel is closed after the terminal event; the caller must drain it even
// when it no longer cares about the outcome, or the job goroutine leaks.
func (p *Pipeline) Run(ctx context.Context, r io.Reader, filename string) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		p.run(ctx, r, filename, events)
	}()
	return events
}

func (p *Pipeline) run(ctx context.Context, r io.Reader, filename string, events chan<- Event) {
	start := time.Now()
	p.metrics.UploadsStarted.Inc()

	lines, err := readLines(r)
	if err != nil {
		p.failUnreadable(ctx, filename, err, events)
		return
	}

	upload, err := p.ledger.CreateUpload(ctx, filename, len(lines))
	if err != nil {
		p.logger.Error("Creating upload", zap.String("filename", filename), zap.Error(err))
		p.metrics.UploadsFailed.Inc()
		events <- newFailure(0, err)
		return
	}

	log := p.logger.With(zap.Int64("uploadID", upload.ID), zap.String("filename", filename))
	log.Info("Upload started", zap.Int("totalLines", len(lines)))

	events <- Created{
		Event:      "created",
		UploadID:   upload.ID,
		Filename:   filename,
		TotalLines: len(lines),
	}

	var (
		lineErrors []data.UploadError
		processed  int
	)
	for i, line := range lines {
		lineErr, err := p.ingestLine(ctx, upload.ID, line)
		if err != nil {
			// Storage failures are fatal for the whole upload; per-line
			// problems never are.
			log.Error("Appending result version", zap.Int("line", line.num), zap.Error(err))
			if failErr := p.ledger.FailUpload(ctx, upload.ID, lineErrors); failErr != nil {
				log.Error("Marking upload failed", zap.Error(failErr))
			}
			p.metrics.UploadsFailed.Inc()
			events <- newFailure(upload.ID, err)
			return
		}
		if lineErr != nil {
			lineErrors = append(lineErrors, *lineErr)
			p.metrics.LineErrors.WithLabelValues(lineErr.Kind).Inc()
		} else {
			processed++
			p.metrics.LinesProcessed.Inc()
			p.metrics.VersionsAppended.Inc()
		}

		consumed := i + 1
		if consumed%p.batchSize == 0 || consumed == len(lines) {
			events <- newProgress(upload.ID, consumed, len(lines))
		}
	}

	if err := p.ledger.CompleteUpload(ctx, upload.ID, processed, lineErrors); err != nil {
		log.Error("Completing upload", zap.Error(err))
		p.metrics.UploadsFailed.Inc()
		events <- newFailure(upload.ID, err)
		return
	}

	p.metrics.UploadsCompleted.Inc()
	p.metrics.UploadDuration.Observe(time.Since(start).Seconds())
	log.Info("Upload completed",
		zap.Int("processedLines", processed),
		zap.Int("errorLines", len(lineErrors)),
		zap.Duration("elapsed", time.Since(start)))

	if lineErrors == nil {
		lineErrors = []data.UploadError{}
	}
	events <- Completed{
		Event:          "complete",
		UploadID:       upload.ID,
		Status:         data.UploadCompleted,
		TotalLines:     len(lines),
		ProcessedLines: processed,
		ErrorLines:     len(lineErrors),
		Errors:         lineErrors,
	}
}

// ingestLine parses, matches and appends one line. A non-nil UploadError
// means the line was rejected; a non-nil error means storage failed and the
// upload cannot continue.
func (p *Pipeline) ingestLine(ctx context.Context, uploadID int64, line numberedLine) (*data.UploadError, error) {
	parsed, lerr := parse.ParseLine(line.text, line.num)
	if lerr != nil {
		return &data.UploadError{Line: lerr.Line, Kind: string(lerr.Kind), Message: lerr.Message}, nil
	}

	constituencyID, ok := p.matcher.Match(parsed.Name)
	if !ok {
		return &data.UploadError{
			Line:    line.num,
			Kind:    string(parse.KindConstituencyNotMatched),
			Message: fmt.Sprintf("constituency %q not recognized", parsed.Name),
		}, nil
	}

	_, err := p.ledger.AppendVersion(ctx, constituencyID, uploadID, data.PartyVotes(parsed.PartyVotes))
	if errors.Is(err, data.ErrConflict) {
		return &data.UploadError{
			Line:    line.num,
			Kind:    string(parse.KindDuplicateConstituencyInUpload),
			Message: fmt.Sprintf("constituency %q appears more than once in this file", parsed.Name),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// failUnreadable records an upload that could not even be read, so the
// failure is visible in upload history.
func (p *Pipeline) failUnreadable(ctx context.Context, filename string, cause error, events chan<- Event) {
	p.logger.Error("Reading submission", zap.String("filename", filename), zap.Error(cause))
	p.metrics.UploadsFailed.Inc()

	var uploadID int64
	upload, err := p.ledger.CreateUpload(ctx, filename, 0)
	if err == nil {
		uploadID = upload.ID
		if err := p.ledger.FailUpload(ctx, upload.ID, nil); err != nil {
			p.logger.Error("Marking upload failed", zap.Int64("uploadID", upload.ID), zap.Error(err))
		}
	} else {
		p.logger.Error("Recording unreadable upload", zap.String("filename", filename), zap.Error(err))
	}

	events <- newFailure(uploadID, cause)
}
