package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	_ "github.com/mattn/go-sqlite3"

	"github.com/situkun123/stock-assistant/internal/llm"
)

// timeLayout is fixed width so updated_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists checkpoints in a SQLite database, one row per
// thread with the history stored as zstd-compressed JSON.
type SQLiteStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (creating if needed) the database at path and returns a
// ready store. The caller owns closing it.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create checkpoint dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore creates a checkpoint store using the given database.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	s := &SQLiteStore{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			revision TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			history_zst BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			message_count INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_updated
			ON checkpoints(updated_at DESC);
	`)
	return err
}

// Close releases the database and codecs.
func (s *SQLiteStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, revision, created_at, updated_at, history_zst, byte_size, message_count
		FROM checkpoints WHERE thread_id = ?
	`, threadID)

	var cp Checkpoint
	var rev, created, updated string
	var blob []byte
	err := row.Scan(&cp.ThreadID, &rev, &created, &updated, &blob, &cp.ByteSize, &cp.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	cp.Revision, _ = uuid.Parse(rev)
	cp.CreatedAt, _ = time.Parse(timeLayout, created)
	cp.UpdatedAt, _ = time.Parse(timeLayout, updated)

	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint %s: %w", threadID, err)
	}
	if err := json.Unmarshal(raw, &cp.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint %s: %w", threadID, err)
	}
	return &cp, nil
}

// Save implements Store. The first save for a thread inserts; later
// saves overwrite the history and keep the original created_at.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, messages []llm.Message) (*Checkpoint, error) {
	if err := validThreadID(threadID); err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []llm.Message{}
	}
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("marshal history: %w", err)
	}
	blob := s.enc.EncodeAll(raw, nil)

	now := time.Now().UTC()
	cp := &Checkpoint{
		ThreadID:     threadID,
		Revision:     uuid.New(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Messages:     messages,
		MessageCount: len(messages),
		ByteSize:     int64(len(blob)),
	}

	var created string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO checkpoints (thread_id, revision, created_at, updated_at, history_zst, byte_size, message_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			revision = excluded.revision,
			updated_at = excluded.updated_at,
			history_zst = excluded.history_zst,
			byte_size = excluded.byte_size,
			message_count = excluded.message_count
		RETURNING created_at
	`, threadID, cp.Revision.String(), now.Format(timeLayout), now.Format(timeLayout),
		blob, len(blob), len(messages)).Scan(&created)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint %s: %w", threadID, err)
	}
	cp.CreatedAt, _ = time.Parse(timeLayout, created)
	return cp, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, revision, created_at, updated_at, byte_size, message_count
		FROM checkpoints
		ORDER BY updated_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var rev, created, updated string
		if err := rows.Scan(&cp.ThreadID, &rev, &created, &updated, &cp.ByteSize, &cp.MessageCount); err != nil {
			return nil, err
		}
		cp.Revision, _ = uuid.Parse(rev)
		cp.CreatedAt, _ = time.Parse(timeLayout, created)
		cp.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, &cp)
	}
	return out, rows.Err()
}
