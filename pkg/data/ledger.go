package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Ledger operations. Result versions are append-only: a deletion never
// removes rows, it only flips the owning upload's deleted_at, and the
// per-constituency current pointer is recomputed from surviving versions.
//
// Writers that change which version is current for a constituency first take
// a row lock on the constituency (SELECT ... FOR UPDATE), so a concurrent
// ingestion and rollback touching the same constituency serialize there.
// Constituencies are independent units of concurrency; no cross-constituency
// locking exists.

func scanVersion(row pgx.Row) (*ResultVersion, error) {
	rv := &ResultVersion{}
	var votesJSON []byte
	err := row.Scan(&rv.ID, &rv.ConstituencyID, &rv.UploadID, &votesJSON,
		&rv.TotalVotes, &rv.WinningParty, &rv.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(votesJSON, &rv.PartyVotes); err != nil {
		return nil, fmt.Errorf("decoding party votes: %w", err)
	}
	return rv, nil
}

func lockConstituency(ctx context.Context, tx pgx.Tx, constituencyID int64) error {
	var id int64
	err := tx.QueryRow(ctx,
		`SELECT id FROM constituencies WHERE id = $1 FOR UPDATE`, constituencyID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("locking constituency %d: %w", constituencyID, err)
	}
	return nil
}

// recomputeCurrentTx re-derives the current pointer for one constituency from
// surviving versions: the version of the non-deleted upload with the greatest
// id, or no pointer at all. Caller must hold the constituency row lock.
func recomputeCurrentTx(ctx context.Context, tx pgx.Tx, constituencyID int64) error {
	var versionID int64
	err := tx.QueryRow(ctx, `
		SELECT rv.id
		FROM result_versions rv
		JOIN uploads u ON u.id = rv.upload_id
		WHERE rv.constituency_id = $1 AND u.deleted_at IS NULL
		ORDER BY rv.upload_id DESC
		LIMIT 1`, constituencyID).Scan(&versionID)

	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx,
			`DELETE FROM current_results WHERE constituency_id = $1`, constituencyID)
		if err != nil {
			return fmt.Errorf("clearing current result: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("deriving current version: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO current_results (constituency_id, version_id)
		VALUES ($1, $2)
		ON CONFLICT (constituency_id) DO UPDATE SET version_id = EXCLUDED.version_id`,
		constituencyID, versionID)
	if err != nil {
		return fmt.Errorf("updating current result: %w", err)
	}
	return nil
}

// AppendVersion inserts the tally contributed by one upload for one
// constituency and advances the constituency's current pointer. Returns
// ErrConflict when the upload already holds a version for this constituency,
// which the pipeline reports as a duplicate-constituency line error.
func (r *PostgresRepository) AppendVersion(ctx context.Context, constituencyID, uploadID int64, tally PartyVotes) (*ResultVersion, error) {
	rv := NewResultVersion(constituencyID, uploadID, tally)
	votesJSON, err := json.Marshal(tally)
	if err != nil {
		return nil, fmt.Errorf("encoding party votes: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockConstituency(ctx, tx, constituencyID); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO result_versions (constituency_id, upload_id, party_votes, total_votes, winning_party)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		constituencyID, uploadID, votesJSON, rv.TotalVotes, rv.WinningParty,
	).Scan(&rv.ID, &rv.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("inserting result version: %w", err)
	}

	if err := recomputeCurrentTx(ctx, tx, constituencyID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing version append: %w", err)
	}
	return rv, nil
}

// CurrentVersion returns the version designated current for a constituency,
// or (nil, nil) when no surviving upload touches it.
func (r *PostgresRepository) CurrentVersion(ctx context.Context, constituencyID int64) (*ResultVersion, error) {
	query := `
		SELECT rv.id, rv.constituency_id, rv.upload_id, rv.party_votes, rv.total_votes, rv.winning_party, rv.created_at
		FROM current_results cr
		JOIN result_versions rv ON rv.id = cr.version_id
		WHERE cr.constituency_id = $1`

	rv, err := scanVersion(r.pool.QueryRow(ctx, query, constituencyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting current version for constituency %d: %w", constituencyID, err)
	}
	return rv, nil
}

// VersionsTouchedBy returns the ids of all constituencies for which the
// upload holds a version, deleted or not, in stable ascending order.
func (r *PostgresRepository) VersionsTouchedBy(ctx context.Context, uploadID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT constituency_id
		FROM result_versions
		WHERE upload_id = $1
		ORDER BY constituency_id ASC`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("listing touched constituencies: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning constituency id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SurvivingVersionsFor returns all versions for a constituency whose upload
// is not deleted, most recent upload first.
func (r *PostgresRepository) SurvivingVersionsFor(ctx context.Context, constituencyID int64) ([]*ResultVersion, error) {
	query := `
		SELECT rv.id, rv.constituency_id, rv.upload_id, rv.party_votes, rv.total_votes, rv.winning_party, rv.created_at
		FROM result_versions rv
		JOIN uploads u ON u.id = rv.upload_id
		WHERE rv.constituency_id = $1 AND u.deleted_at IS NULL
		ORDER BY rv.upload_id DESC`

	rows, err := r.pool.Query(ctx, query, constituencyID)
	if err != nil {
		return nil, fmt.Errorf("listing surviving versions: %w", err)
	}
	defer rows.Close()

	var out []*ResultVersion
	for rows.Next() {
		rv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result version: %w", err)
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

// MarkUploadDeleted flips the soft-delete flag. This single mutation is what
// removes the upload's versions from every recency derivation. Returns
// ErrAlreadyDeleted if the flag was already set, ErrNotFound for unknown ids.
func (r *PostgresRepository) MarkUploadDeleted(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE uploads SET deleted_at = now() WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking upload %d deleted: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetUpload(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyDeleted
	}
	return nil
}

// RecomputeCurrent atomically re-derives one constituency's current pointer
// from stored data. Safe to call any number of times; the outcome depends
// only on the surviving-upload set.
func (r *PostgresRepository) RecomputeCurrent(ctx context.Context, constituencyID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockConstituency(ctx, tx, constituencyID); err != nil {
		return err
	}
	if err := recomputeCurrentTx(ctx, tx, constituencyID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing recompute: %w", err)
	}
	return nil
}
