package data

import (
	"errors"
	"time"
)

// Error variables for consistent error handling
var (
	ErrNotFound       = errors.New("record not found")
	ErrConflict       = errors.New("version already exists for this constituency and upload")
	ErrAlreadyDeleted = errors.New("upload already deleted")
	ErrInvalidFilter  = errors.New("invalid filter parameters")
)

// UploadStatus is the lifecycle state of an upload. Transitions are
// processing -> completed or processing -> failed, exactly once.
type UploadStatus string

const (
	UploadProcessing UploadStatus = "processing"
	UploadCompleted  UploadStatus = "completed"
	UploadFailed     UploadStatus = "failed"
)

// Region is static reference data grouping constituencies.
type Region struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	SortOrder         int    `json:"sort_order"`
	ConstituencyCount int64  `json:"constituency_count"`
}

// Constituency is static reference data, owned by the reference-data loader.
// NormalizedName is the case-folded, diacritic-stripped lookup key.
type Constituency struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"-"`
	Pcon24Code     *string   `json:"pcon24_code"`
	RegionID       *int64    `json:"region_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// UploadError is one recorded per-line ingestion error.
type UploadError struct {
	Line    int    `json:"line"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

// Upload is one ingestion attempt over one submitted file. Rows are
// append-only: after completion the only permitted mutation is setting
// DeletedAt, and that happens at most once.
type Upload struct {
	ID             int64         `json:"id"`
	Filename       string        `json:"filename"`
	Status         UploadStatus  `json:"status"`
	TotalLines     int           `json:"total_lines"`
	ProcessedLines int           `json:"processed_lines"`
	ErrorLines     int           `json:"error_lines"`
	Errors         []UploadError `json:"errors"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at"`
	DeletedAt      *time.Time    `json:"deleted_at"`
}

// Deleted reports whether the upload has been soft-deleted.
func (u *Upload) Deleted() bool {
	return u.DeletedAt != nil
}

// PartyVotes maps party code to vote count for one constituency result.
type PartyVotes map[string]int64

// Total returns the sum of all votes in the tally, ties included.
func (pv PartyVotes) Total() int64 {
	var total int64
	for _, votes := range pv {
		total += votes
	}
	return total
}

// Winner returns the party with strictly the greatest vote count. The second
// return value is false when the tally is empty or the lead is tied.
func (pv PartyVotes) Winner() (string, bool) {
	var (
		winner   string
		maxVotes int64 = -1
		tied     bool
	)
	for code, votes := range pv {
		switch {
		case votes > maxVotes:
			maxVotes = votes
			winner = code
			tied = false
		case votes == maxVotes:
			tied = true
		}
	}
	if winner == "" || tied {
		return "", false
	}
	return winner, true
}

// ResultVersion is one ledger entry: the tally contributed for one
// constituency by one upload. At most one exists per (constituency, upload)
// pair and it is never mutated after insert.
type ResultVersion struct {
	ID             int64      `json:"id"`
	ConstituencyID int64      `json:"constituency_id"`
	UploadID       int64      `json:"upload_id"`
	PartyVotes     PartyVotes `json:"party_votes"`
	TotalVotes     int64      `json:"total_votes"`
	WinningParty   *string    `json:"winning_party_code"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewResultVersion derives the stored totals from a tally.
func NewResultVersion(constituencyID, uploadID int64, tally PartyVotes) *ResultVersion {
	rv := &ResultVersion{
		ConstituencyID: constituencyID,
		UploadID:       uploadID,
		PartyVotes:     tally,
		TotalVotes:     tally.Total(),
	}
	if winner, ok := tally.Winner(); ok {
		rv.WinningParty = &winner
	}
	return rv
}

// UploadFilter defines filter parameters for upload history queries.
type UploadFilter struct {
	Status         string
	Search         string
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// ConstituencyFilter defines filter parameters for constituency listing.
type ConstituencyFilter struct {
	Search    string
	RegionIDs []int64
	SortBy    string // "name", "total_votes" or "winning_party"
	SortDir   string // "asc" or "desc"
	Page      int
	PageSize  int
}

// ConstituencySummary is one row of the constituency listing, with the
// current (most recent surviving) result folded in.
type ConstituencySummary struct {
	ID           int64   `json:"id"`
	Name         string  `json:"name"`
	Pcon24Code   *string `json:"pcon24_code"`
	RegionID     *int64  `json:"region_id"`
	RegionName   *string `json:"region_name"`
	TotalVotes   int64   `json:"total_votes"`
	WinningParty *string `json:"winning_party_code"`
}

// PartyResult is one party's share of a constituency's current result.
type PartyResult struct {
	PartyCode  string  `json:"party_code"`
	PartyName  string  `json:"party_name"`
	Votes      int64   `json:"votes"`
	Percentage float64 `json:"percentage"`
}

// ConstituencyDetail is the full current state of one constituency.
type ConstituencyDetail struct {
	ConstituencySummary
	WinningPartyName *string       `json:"winning_party_name"`
	UploadID         *int64        `json:"upload_id"`
	Parties          []PartyResult `json:"parties"`
}

// PartyTotal is one party's national aggregate.
type PartyTotal struct {
	PartyCode  string `json:"party_code"`
	PartyName  string `json:"party_name"`
	TotalVotes int64  `json:"total_votes"`
	Seats      int64  `json:"seats"`
}

// Totals is the national aggregate over all current results.
type Totals struct {
	TotalConstituencies int64        `json:"total_constituencies"`
	TotalVotes          int64        `json:"total_votes"`
	Parties             []PartyTotal `json:"parties"`
}

// UploadStats summarizes non-deleted uploads.
type UploadStats struct {
	TotalUploads        int64   `json:"total_uploads"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	SuccessRate         float64 `json:"success_rate"`
	TotalLinesProcessed int64   `json:"total_lines_processed"`
}
