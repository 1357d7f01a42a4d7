// Package sqlite provides the SQLite-backed counter store for per-player
// co-presence statistics.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/groupwatch/backend/internal/storage/sqlite/migrations"
	"github.com/groupwatch/backend/internal/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// bulkChunk caps the number of bound parameters per IN query.
const bulkChunk = 500

// Presence identifies one co-present player.
type Presence struct {
	UserID      string
	DisplayName string
}

// PlayerStats is one player_stats row.
type PlayerStats struct {
	UserID           string     `json:"userId"`
	DisplayName      string     `json:"displayName"`
	TimeSpentMinutes int64      `json:"timeSpentMinutes"`
	EncounterCount   int64      `json:"encounterCount"`
	LastSeen         time.Time  `json:"lastSeen"`
	LastHeartbeat    *time.Time `json:"lastHeartbeat,omitempty"`
	FriendSince      *time.Time `json:"friendSince,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Store is the counter store. Writes go through a single connection so
// transactions never overlap.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return errors.New("storage is not configured")
	}
	return nil
}

// RecordHeartbeat credits every player with unitMinutes of co-presence and
// one encounter in a single transaction. Any failure rolls back the whole
// batch.
func (s *Store) RecordHeartbeat(ctx context.Context, players []Presence, unitMinutes int, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if unitMinutes <= 0 {
		return fmt.Errorf("unit minutes must be positive, got %d", unitMinutes)
	}
	if len(players) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ms := at.UTC().UnixMilli()
	for _, p := range players {
		if strings.TrimSpace(p.UserID) == "" {
			return errors.New("user id is required")
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO player_stats (
	user_id, display_name, time_spent_minutes, encounter_count,
	last_seen, last_heartbeat, created_at
) VALUES (?, ?, ?, 1, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE player_stats.display_name END,
	time_spent_minutes = player_stats.time_spent_minutes + excluded.time_spent_minutes,
	encounter_count = player_stats.encounter_count + 1,
	last_seen = MAX(player_stats.last_seen, excluded.last_seen),
	last_heartbeat = excluded.last_heartbeat
`, p.UserID, p.DisplayName, unitMinutes, ms, ms, ms); err != nil {
			return fmt.Errorf("heartbeat %s: %w", p.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit heartbeat: %w", err)
	}
	return nil
}

// RecordEncounter adds one encounter for the player.
func (s *Store) RecordEncounter(ctx context.Context, p Presence, at time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("user id is required")
	}
	ms := at.UTC().UnixMilli()
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO player_stats (
	user_id, display_name, time_spent_minutes, encounter_count, last_seen, created_at
) VALUES (?, ?, 0, 1, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE player_stats.display_name END,
	encounter_count = player_stats.encounter_count + 1,
	last_seen = MAX(player_stats.last_seen, excluded.last_seen)
`, p.UserID, p.DisplayName, ms, ms)
	if err != nil {
		return fmt.Errorf("record encounter %s: %w", p.UserID, err)
	}
	return nil
}

// SetFriendSinceIfEmpty stores since as the friendship start unless a
// value is already present. It reports whether the row changed.
func (s *Store) SetFriendSinceIfEmpty(ctx context.Context, userID, displayName string, since time.Time) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("user id is required")
	}
	if since.IsZero() {
		return false, errors.New("friend since time is required")
	}
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO player_stats (user_id, display_name, friend_since, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	friend_since = excluded.friend_since
WHERE player_stats.friend_since IS NULL
`, userID, displayName, since.UTC().UnixMilli(), time.Now().UTC().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("set friend since %s: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

const selectColumns = `
SELECT user_id, display_name, time_spent_minutes, encounter_count,
	last_seen, last_heartbeat, friend_since, created_at
FROM player_stats`

// GetPlayerStats returns one player's row. ok is false when the player has
// never been seen.
func (s *Store) GetPlayerStats(ctx context.Context, userID string) (PlayerStats, bool, error) {
	if err := s.ready(ctx); err != nil {
		return PlayerStats{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx, selectColumns+` WHERE user_id = ?`, userID)
	st, err := scanStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlayerStats{}, false, nil
	}
	if err != nil {
		return PlayerStats{}, false, fmt.Errorf("get player stats: %w", err)
	}
	return st, true, nil
}

// GetBulkStats returns rows for the given ids. Unknown ids are absent
// from the result.
func (s *Store) GetBulkStats(ctx context.Context, userIDs []string) (map[string]PlayerStats, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]PlayerStats, len(userIDs))
	for start := 0; start < len(userIDs); start += bulkChunk {
		end := min(start+bulkChunk, len(userIDs))
		chunk := userIDs[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.sqlDB.QueryContext(ctx, selectColumns+` WHERE user_id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("bulk stats: %w", err)
		}
		for rows.Next() {
			st, err := scanStats(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan stats: %w", err)
			}
			out[st.UserID] = st
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("iterate stats: %w", err)
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStats(row scanner) (PlayerStats, error) {
	var (
		st            PlayerStats
		lastSeen      int64
		lastHeartbeat sql.NullInt64
		friendSince   sql.NullInt64
		createdAt     int64
	)
	if err := row.Scan(
		&st.UserID,
		&st.DisplayName,
		&st.TimeSpentMinutes,
		&st.EncounterCount,
		&lastSeen,
		&lastHeartbeat,
		&friendSince,
		&createdAt,
	); err != nil {
		return PlayerStats{}, err
	}
	st.LastSeen = fromMillis(lastSeen)
	st.CreatedAt = fromMillis(createdAt)
	if lastHeartbeat.Valid {
		t := fromMillis(lastHeartbeat.Int64)
		st.LastHeartbeat = &t
	}
	if friendSince.Valid {
		t := fromMillis(friendSince.Int64)
		st.FriendSince = &t
	}
	return st, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
