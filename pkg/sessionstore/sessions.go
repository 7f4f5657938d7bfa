package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/nullrunner/mcpmux/pkg/router"
)

// sessionRow is the sqlite row shape for the sessions table (§6: "tagQuery"
// and other structured fields are JSON-encoded on write, decoded on read).
type sessionRow struct {
	ID               string         `db:"id"`
	Tags             string         `db:"tags"`
	FilterMode       string         `db:"filter_mode"`
	TagQuery         sql.NullString `db:"tag_query"`
	PresetName       string         `db:"preset_name"`
	EnablePagination bool           `db:"enable_pagination"`
	Context          string         `db:"context"`
	Expires          sql.NullTime   `db:"expires"`
	CreatedAt        time.Time      `db:"created_at"`
	LastAccessedAt   time.Time      `db:"last_accessed_at"`
}

// Put implements router.SessionStore: the throttled-persist write path
// (§5, §6). Consumers MUST tolerate both present and absent optional
// fields, so absent TagQuery/Expires are stored as SQL NULL rather than
// the zero value.
func (s *Store) Put(ctx context.Context, id string, record router.SessionRecord) error {
	tags, err := json.Marshal(record.Tags)
	if err != nil {
		return err
	}
	ctxBlob, err := json.Marshal(record.Context)
	if err != nil {
		return err
	}
	var tagQuery sql.NullString
	if record.TagQuery != nil {
		b, err := json.Marshal(record.TagQuery)
		if err != nil {
			return err
		}
		tagQuery = sql.NullString{String: string(b), Valid: true}
	}
	var expires sql.NullTime
	if !record.Expires.IsZero() {
		expires = sql.NullTime{Time: record.Expires, Valid: true}
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = record.LastAccessedAt
	}

	const query = `
		INSERT INTO sessions (id, tags, filter_mode, tag_query, preset_name, enable_pagination, context, expires, created_at, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT(id) DO UPDATE SET
			tags = excluded.tags,
			filter_mode = excluded.filter_mode,
			tag_query = excluded.tag_query,
			preset_name = excluded.preset_name,
			enable_pagination = excluded.enable_pagination,
			context = excluded.context,
			expires = excluded.expires,
			last_accessed_at = excluded.last_accessed_at
	`
	_, err = s.db.ExecContext(ctx, query,
		id, string(tags), string(record.FilterMode), tagQuery, record.PresetName,
		record.EnablePagination, string(ctxBlob), expires, createdAt, record.LastAccessedAt)
	return err
}

// Get retrieves a persisted session record, tolerating absent optional
// fields per §6.
func (s *Store) Get(ctx context.Context, id string) (*router.SessionRecord, error) {
	const query = `
		SELECT id, tags, filter_mode, tag_query, preset_name, enable_pagination, context, expires, created_at, last_accessed_at
		FROM sessions WHERE id = $1
	`
	var row sessionRow
	if err := s.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rowToRecord(row)
}

// Delete removes a persisted session record; reports whether a row existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func rowToRecord(row sessionRow) (*router.SessionRecord, error) {
	rec := &router.SessionRecord{
		FilterMode:       router.FilterMode(row.FilterMode),
		PresetName:       row.PresetName,
		EnablePagination: row.EnablePagination,
		CreatedAt:        row.CreatedAt,
		LastAccessedAt:   row.LastAccessedAt,
	}
	if row.Expires.Valid {
		rec.Expires = row.Expires.Time
	}
	if row.Tags != "" {
		if err := json.Unmarshal([]byte(row.Tags), &rec.Tags); err != nil {
			return nil, err
		}
	}
	if row.Context != "" {
		if err := json.Unmarshal([]byte(row.Context), &rec.Context); err != nil {
			return nil, err
		}
	}
	if row.TagQuery.Valid {
		if err := json.Unmarshal([]byte(row.TagQuery.String), &rec.TagQuery); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
