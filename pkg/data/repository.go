package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Repository defines the interface for the versioned-results ledger and its
// read side. The Postgres implementation is the only owner of upload and
// result-version rows.
type Repository interface {
	// Reference data operations
	SaveRegion(ctx context.Context, region *Region) error
	SaveConstituency(ctx context.Context, constituency *Constituency) error
	ListAllConstituencies(ctx context.Context) ([]*Constituency, error)
	ListRegions(ctx context.Context) ([]*Region, error)

	// Upload lifecycle operations
	CreateUpload(ctx context.Context, filename string, totalLines int) (*Upload, error)
	CompleteUpload(ctx context.Context, id int64, processedLines int, lineErrors []UploadError) error
	FailUpload(ctx context.Context, id int64, lineErrors []UploadError) error
	GetUpload(ctx context.Context, id int64) (*Upload, error)
	ListUploads(ctx context.Context, filter UploadFilter) ([]*Upload, int64, error)
	UploadStats(ctx context.Context) (*UploadStats, error)

	// Ledger primitives
	AppendVersion(ctx context.Context, constituencyID, uploadID int64, tally PartyVotes) (*ResultVersion, error)
	CurrentVersion(ctx context.Context, constituencyID int64) (*ResultVersion, error)
	VersionsTouchedBy(ctx context.Context, uploadID int64) ([]int64, error)
	SurvivingVersionsFor(ctx context.Context, constituencyID int64) ([]*ResultVersion, error)
	MarkUploadDeleted(ctx context.Context, id int64) error
	RecomputeCurrent(ctx context.Context, constituencyID int64) error

	// Query facade
	GetTotals(ctx context.Context) (*Totals, error)
	ListConstituencies(ctx context.Context, filter ConstituencyFilter) ([]*ConstituencySummary, int64, error)
	GetConstituencyDetail(ctx context.Context, id int64) (*ConstituencyDetail, error)
}

// PostgresRepository implements Repository over a pgx connection pool.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repository over an established pool.
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

// Close releases all database resources.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// SaveRegion upserts a region by name.
func (r *PostgresRepository) SaveRegion(ctx context.Context, region *Region) error {
	query := `
		INSERT INTO regions (name, sort_order)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET sort_order = EXCLUDED.sort_order
		RETURNING id`

	if err := r.pool.QueryRow(ctx, query, region.Name, region.SortOrder).Scan(&region.ID); err != nil {
		return fmt.Errorf("upserting region: %w", err)
	}
	return nil
}

// SaveConstituency upserts a constituency by its normalized name.
func (r *PostgresRepository) SaveConstituency(ctx context.Context, c *Constituency) error {
	query := `
		INSERT INTO constituencies (name, normalized_name, pcon24_code, region_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (normalized_name) DO UPDATE SET
			name = EXCLUDED.name,
			pcon24_code = EXCLUDED.pcon24_code,
			region_id = EXCLUDED.region_id
		RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		c.Name, c.NormalizedName, c.Pcon24Code, c.RegionID,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting constituency %q: %w", c.Name, err)
	}
	return nil
}

// ListAllConstituencies returns the full reference set, for building the
// matcher index.
func (r *PostgresRepository) ListAllConstituencies(ctx context.Context) ([]*Constituency, error) {
	query := `
		SELECT id, name, normalized_name, pcon24_code, region_id, created_at
		FROM constituencies
		ORDER BY name ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing constituencies: %w", err)
	}
	defer rows.Close()

	var out []*Constituency
	for rows.Next() {
		c := &Constituency{}
		if err := rows.Scan(&c.ID, &c.Name, &c.NormalizedName, &c.Pcon24Code, &c.RegionID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning constituency: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListRegions returns all regions with their constituency counts.
func (r *PostgresRepository) ListRegions(ctx context.Context) ([]*Region, error) {
	query := `
		SELECT r.id, r.name, r.sort_order, count(c.id)
		FROM regions r
		LEFT JOIN constituencies c ON c.region_id = r.id
		GROUP BY r.id
		ORDER BY r.sort_order ASC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing regions: %w", err)
	}
	defer rows.Close()

	var out []*Region
	for rows.Next() {
		reg := &Region{}
		if err := rows.Scan(&reg.ID, &reg.Name, &reg.SortOrder, &reg.ConstituencyCount); err != nil {
			return nil, fmt.Errorf("scanning region: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// CreateUpload inserts a new upload in the processing state. Upload ids are
// assigned from a monotonically increasing sequence; they are the only
// recency tie-break in the ledger.
func (r *PostgresRepository) CreateUpload(ctx context.Context, filename string, totalLines int) (*Upload, error) {
	query := `
		INSERT INTO uploads (filename, status, total_lines)
		VALUES ($1, $2, $3)
		RETURNING id, started_at`

	u := &Upload{
		Filename:   filename,
		Status:     UploadProcessing,
		TotalLines: totalLines,
		Errors:     []UploadError{},
	}
	if err := r.pool.QueryRow(ctx, query, filename, UploadProcessing, totalLines).Scan(&u.ID, &u.StartedAt); err != nil {
		return nil, fmt.Errorf("inserting upload: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) finishUpload(ctx context.Context, id int64, status UploadStatus, processedLines int, lineErrors []UploadError) error {
	if lineErrors == nil {
		lineErrors = []UploadError{}
	}
	errsJSON, err := json.Marshal(lineErrors)
	if err != nil {
		return fmt.Errorf("encoding line errors: %w", err)
	}

	query := `
		UPDATE uploads
		SET status = $2,
		    processed_lines = $3,
		    error_lines = $4,
		    errors = $5,
		    completed_at = now()
		WHERE id = $1 AND status = $6`

	tag, err := r.pool.Exec(ctx, query, id, status, processedLines, len(lineErrors), errsJSON, UploadProcessing)
	if err != nil {
		return fmt.Errorf("finishing upload %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteUpload transitions an upload from processing to completed. A file
// with zero valid lines still completes.
func (r *PostgresRepository) CompleteUpload(ctx context.Context, id int64, processedLines int, lineErrors []UploadError) error {
	return r.finishUpload(ctx, id, UploadCompleted, processedLines, lineErrors)
}

// FailUpload transitions an upload from processing to failed. Used only for
// I/O-level failures; per-line errors never fail an upload.
func (r *PostgresRepository) FailUpload(ctx context.Context, id int64, lineErrors []UploadError) error {
	return r.finishUpload(ctx, id, UploadFailed, 0, lineErrors)
}

const uploadColumns = `id, filename, status, total_lines, processed_lines, error_lines, errors, started_at, completed_at, deleted_at`

func scanUpload(row pgx.Row) (*Upload, error) {
	u := &Upload{}
	var errsJSON []byte
	err := row.Scan(&u.ID, &u.Filename, &u.Status, &u.TotalLines, &u.ProcessedLines,
		&u.ErrorLines, &errsJSON, &u.StartedAt, &u.CompletedAt, &u.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(errsJSON) > 0 {
		if err := json.Unmarshal(errsJSON, &u.Errors); err != nil {
			return nil, fmt.Errorf("decoding line errors: %w", err)
		}
	}
	if u.Errors == nil {
		u.Errors = []UploadError{}
	}
	return u, nil
}

// GetUpload returns an upload by id, deleted or not.
func (r *PostgresRepository) GetUpload(ctx context.Context, id int64) (*Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE id = $1`

	u, err := scanUpload(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting upload %d: %w", id, err)
	}
	return u, nil
}

// ListUploads returns upload history, newest first. Soft-deleted uploads are
// excluded unless filter.IncludeDeleted is set.
func (r *PostgresRepository) ListUploads(ctx context.Context, filter UploadFilter) ([]*Upload, int64, error) {
	if filter.Page < 1 || filter.PageSize < 1 {
		return nil, 0, ErrInvalidFilter
	}

	where := ""
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		cond = fmt.Sprintf(cond, len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	if !filter.IncludeDeleted {
		if where == "" {
			where = " WHERE deleted_at IS NULL"
		}
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Search != "" {
		add("filename ILIKE $%d", "%"+filter.Search+"%")
	}

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM uploads"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting uploads: %w", err)
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf("SELECT %s FROM uploads%s ORDER BY id DESC LIMIT $%d OFFSET $%d",
		uploadColumns, where, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning upload: %w", err)
		}
		out = append(out, u)
	}
	return out, total, rows.Err()
}

// UploadStats aggregates non-deleted uploads.
func (r *PostgresRepository) UploadStats(ctx context.Context) (*UploadStats, error) {
	query := `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'completed'),
		       count(*) FILTER (WHERE status = 'failed'),
		       coalesce(sum(processed_lines), 0)
		FROM uploads
		WHERE deleted_at IS NULL`

	stats := &UploadStats{}
	err := r.pool.QueryRow(ctx, query).Scan(
		&stats.TotalUploads, &stats.Completed, &stats.Failed, &stats.TotalLinesProcessed)
	if err != nil {
		return nil, fmt.Errorf("computing upload stats: %w", err)
	}
	if stats.TotalUploads > 0 {
		rate := float64(stats.Completed) / float64(stats.TotalUploads) * 100
		stats.SuccessRate = float64(int(rate*100+0.5)) / 100
	}
	return stats, nil
}
