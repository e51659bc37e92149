package data

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"

	"election_results/pkg/parties"
)

// Read path consumed by the UI layer. Everything here derives from the
// current_results pointer, so soft-deleted uploads are invisible by
// construction.

// GetTotals computes national aggregates: votes per party summed over every
// constituency's current result, and seats counted for sole winners only
// (tied constituencies award no seat).
func (r *PostgresRepository) GetTotals(ctx context.Context) (*Totals, error) {
	votesQuery := `
		SELECT kv.key, sum(kv.value::bigint)
		FROM current_results cr
		JOIN result_versions rv ON rv.id = cr.version_id,
		jsonb_each_text(rv.party_votes) kv
		GROUP BY kv.key`

	rows, err := r.pool.Query(ctx, votesQuery)
	if err != nil {
		return nil, fmt.Errorf("aggregating party votes: %w", err)
	}
	defer rows.Close()

	votes := make(map[string]int64)
	for rows.Next() {
		var code string
		var total int64
		if err := rows.Scan(&code, &total); err != nil {
			return nil, fmt.Errorf("scanning party votes: %w", err)
		}
		votes[code] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seatsQuery := `
		SELECT rv.winning_party, count(*)
		FROM current_results cr
		JOIN result_versions rv ON rv.id = cr.version_id
		WHERE rv.winning_party IS NOT NULL
		GROUP BY rv.winning_party`

	seatRows, err := r.pool.Query(ctx, seatsQuery)
	if err != nil {
		return nil, fmt.Errorf("aggregating seats: %w", err)
	}
	defer seatRows.Close()

	seats := make(map[string]int64)
	for seatRows.Next() {
		var code string
		var count int64
		if err := seatRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("scanning seats: %w", err)
		}
		seats[code] = count
	}
	if err := seatRows.Err(); err != nil {
		return nil, err
	}

	totals := &Totals{Parties: []PartyTotal{}}
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM constituencies`).Scan(&totals.TotalConstituencies); err != nil {
		return nil, fmt.Errorf("counting constituencies: %w", err)
	}

	codes := make(map[string]struct{}, len(votes))
	for code := range votes {
		codes[code] = struct{}{}
	}
	for code := range seats {
		codes[code] = struct{}{}
	}
	for code := range codes {
		totals.Parties = append(totals.Parties, PartyTotal{
			PartyCode:  code,
			PartyName:  parties.Name(code),
			TotalVotes: votes[code],
			Seats:      seats[code],
		})
		totals.TotalVotes += votes[code]
	}
	sort.Slice(totals.Parties, func(i, j int) bool {
		a, b := totals.Parties[i], totals.Parties[j]
		if a.Seats != b.Seats {
			return a.Seats > b.Seats
		}
		if a.TotalVotes != b.TotalVotes {
			return a.TotalVotes > b.TotalVotes
		}
		return a.PartyCode < b.PartyCode
	})
	return totals, nil
}

var constituencySortColumns = map[string]string{
	"":              "c.name",
	"name":          "c.name",
	"total_votes":   "coalesce(rv.total_votes, 0)",
	"winning_party": "rv.winning_party",
}

// ListConstituencies returns constituency summaries with current winner and
// total, filtered and paginated.
func (r *PostgresRepository) ListConstituencies(ctx context.Context, filter ConstituencyFilter) ([]*ConstituencySummary, int64, error) {
	if filter.Page < 1 || filter.PageSize < 1 {
		return nil, 0, ErrInvalidFilter
	}
	sortCol, ok := constituencySortColumns[filter.SortBy]
	if !ok {
		return nil, 0, ErrInvalidFilter
	}
	dir := "ASC"
	if filter.SortDir == "desc" {
		dir = "DESC"
	}

	where := ""
	args := []any{}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where = fmt.Sprintf(" WHERE c.name ILIKE $%d", len(args))
	}
	if len(filter.RegionIDs) > 0 {
		args = append(args, filter.RegionIDs)
		cond := fmt.Sprintf("c.region_id = ANY($%d)", len(args))
		if where == "" {
			where = " WHERE " + cond
		} else {
			where += " AND " + cond
		}
	}

	var total int64
	countQuery := "SELECT count(*) FROM constituencies c" + where
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting constituencies: %w", err)
	}

	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	query := fmt.Sprintf(`
		SELECT c.id, c.name, c.pcon24_code, c.region_id, r.name,
		       coalesce(rv.total_votes, 0), rv.winning_party
		FROM constituencies c
		LEFT JOIN regions r ON r.id = c.region_id
		LEFT JOIN current_results cr ON cr.constituency_id = c.id
		LEFT JOIN result_versions rv ON rv.id = cr.version_id
		%s
		ORDER BY %s %s, c.name ASC
		LIMIT $%d OFFSET $%d`, where, sortCol, dir, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing constituencies: %w", err)
	}
	defer rows.Close()

	var out []*ConstituencySummary
	for rows.Next() {
		s := &ConstituencySummary{}
		if err := rows.Scan(&s.ID, &s.Name, &s.Pcon24Code, &s.RegionID, &s.RegionName,
			&s.TotalVotes, &s.WinningParty); err != nil {
			return nil, 0, fmt.Errorf("scanning constituency summary: %w", err)
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// GetConstituencyDetail returns one constituency's current state with
// per-party breakdown and vote percentages. A constituency with no surviving
// result reports zero total votes and no winner.
func (r *PostgresRepository) GetConstituencyDetail(ctx context.Context, id int64) (*ConstituencyDetail, error) {
	query := `
		SELECT c.id, c.name, c.pcon24_code, c.region_id, r.name
		FROM constituencies c
		LEFT JOIN regions r ON r.id = c.region_id
		WHERE c.id = $1`

	detail := &ConstituencyDetail{Parties: []PartyResult{}}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&detail.ID, &detail.Name, &detail.Pcon24Code, &detail.RegionID, &detail.RegionName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting constituency %d: %w", id, err)
	}

	current, err := r.CurrentVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return detail, nil
	}

	detail.TotalVotes = current.TotalVotes
	detail.WinningParty = current.WinningParty
	detail.UploadID = &current.UploadID
	if current.WinningParty != nil {
		name := parties.Name(*current.WinningParty)
		detail.WinningPartyName = &name
	}
	for code, votes := range current.PartyVotes {
		pct := 0.0
		if current.TotalVotes > 0 {
			pct = float64(votes) / float64(current.TotalVotes) * 100
			pct = float64(int(pct*100+0.5)) / 100
		}
		detail.Parties = append(detail.Parties, PartyResult{
			PartyCode:  code,
			PartyName:  parties.Name(code),
			Votes:      votes,
			Percentage: pct,
		})
	}
	sort.Slice(detail.Parties, func(i, j int) bool {
		if detail.Parties[i].Votes != detail.Parties[j].Votes {
			return detail.Parties[i].Votes > detail.Parties[j].Votes
		}
		return detail.Parties[i].PartyCode < detail.Parties[j].PartyCode
	})
	return detail, nil
}
