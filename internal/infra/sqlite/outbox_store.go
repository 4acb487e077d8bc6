package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"

	"github.com/The-Open-Music-Box/theopenmusicbox-sub001/internal/domain/event"
)

// OutboxStore persists envelopes to the outbox table. It implements
// outbox.Store.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore creates an outbox store over the given database.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// AppendEnvelope inserts the envelope. The payload is stored as JSON.
func (s *OutboxStore) AppendEnvelope(ctx context.Context, env event.Envelope, playlistID string) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var pid any
	if playlistID != "" {
		pid = playlistID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO outbox (global_seq, playlist_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		env.GlobalSeq, pid, env.EventType, string(payload), time.Now().UTC().Format(time.RFC3339))
	return err
}

// TrimBelow deletes persisted envelopes older than the retained window.
func (s *OutboxStore) TrimBelow(ctx context.Context, globalSeq uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE global_seq < ?`, globalSeq)
	return err
}

// StoredEnvelope is a persisted outbox row read back at startup.
type StoredEnvelope struct {
	Envelope   event.Envelope
	PlaylistID string
}

// LoadEnvelopes returns every persisted envelope in global_seq order, used to
// rebuild the in-memory resync window after a restart.
func (s *OutboxStore) LoadEnvelopes(ctx context.Context) ([]StoredEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT playlist_id, payload FROM outbox ORDER BY global_seq`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []StoredEnvelope
	for rows.Next() {
		var pid sql.NullString
		var payload string
		if err := rows.Scan(&pid, &payload); err != nil {
			return nil, err
		}
		var env event.Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			return nil, err
		}
		out = append(out, StoredEnvelope{Envelope: env, PlaylistID: pid.String})
	}
	return out, rows.Err()
}
