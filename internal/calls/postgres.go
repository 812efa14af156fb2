package calls

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PostgresStore persists call sessions in Postgres (pgx stdlib driver) and
// fans out change events over Redis pub/sub.
//
// Pub/sub delivery is at-most-once: a subscriber that reconnects, or a
// message lost in transit, simply misses the event. The consistency engine's
// reconciliation loop exists precisely to cover that gap, so the feed is
// deliberately not made durable here.

type PostgresStore struct {
	db  *sql.DB
	rdb *redis.Client

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func NewPostgresStore(db *sql.DB, rdb *redis.Client) *PostgresStore {
	return &PostgresStore{db: db, rdb: rdb, Now: time.Now}
}

func feedChannel(callID string) string { return "call_changes:" + callID }

// EnsureSchema creates the tables if they do not exist. Intended for startup;
// production deployments may manage schema externally instead.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id                    TEXT PRIMARY KEY,
	direction             TEXT NOT NULL,
	from_number           TEXT NOT NULL,
	to_number             TEXT NOT NULL,
	provider_call_id      TEXT NOT NULL DEFAULT '',
	status                TEXT NOT NULL,
	started_at            TIMESTAMPTZ,
	ended_at              TIMESTAMPTZ,
	closing_state         TEXT NOT NULL DEFAULT 'active',
	purpose               JSONB NOT NULL DEFAULT '{}',
	recap_status          TEXT NOT NULL DEFAULT '',
	recap_attempt_count   INT NOT NULL DEFAULT 0,
	recap_error_code      TEXT NOT NULL DEFAULT '',
	recap_last_attempt_at TIMESTAMPTZ,
	last_activity_at      TIMESTAMPTZ,
	silence_started_at    TIMESTAMPTZ,
	reprompt_count        INT NOT NULL DEFAULT 0,
	pipeline_checkpoints  JSONB NOT NULL DEFAULT '{}',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS conversation_turns (
	call_id   TEXT NOT NULL REFERENCES call_sessions(id),
	speaker   TEXT NOT NULL,
	text      TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversation_turns_call_id_idx
	ON conversation_turns (call_id, timestamp);`
	_, err := p.db.ExecContext(ctx, ddl)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s CallSession) error {
	now := p.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	purpose, err := json.Marshal(s.Purpose)
	if err != nil {
		return fmt.Errorf("calls: marshal purpose: %w", err)
	}
	checkpoints, err := marshalCheckpoints(s.PipelineCheckpoints)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO call_sessions (
			id, direction, from_number, to_number, provider_call_id, status,
			started_at, ended_at, closing_state, purpose,
			recap_status, recap_attempt_count, recap_error_code, recap_last_attempt_at,
			last_activity_at, silence_started_at, reprompt_count,
			pipeline_checkpoints, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		s.ID, s.Direction, s.From, s.To, s.ProviderCallID, s.Status,
		s.StartedAt, s.EndedAt, s.ClosingState, purpose,
		s.RecapStatus, s.RecapAttemptCount, s.RecapErrorCode, s.RecapLastAttemptAt,
		s.LastActivityAt, s.SilenceStartedAt, s.RepromptCount,
		checkpoints, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrAlreadyExists
		}
		return err
	}
	p.publish(ctx, s.ID, ChangeEvent{Kind: ChangeSession, Session: &s})
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (CallSession, error) {
	return p.get(ctx, p.db, id, false)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) get(ctx context.Context, q querier, id string, forUpdate bool) (CallSession, error) {
	query := `
		SELECT id, direction, from_number, to_number, provider_call_id, status,
			started_at, ended_at, closing_state, purpose,
			recap_status, recap_attempt_count, recap_error_code, recap_last_attempt_at,
			last_activity_at, silence_started_at, reprompt_count,
			pipeline_checkpoints, created_at, updated_at
		FROM call_sessions WHERE id = $1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var s CallSession
	var purpose, checkpoints []byte
	err := q.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Direction, &s.From, &s.To, &s.ProviderCallID, &s.Status,
		&s.StartedAt, &s.EndedAt, &s.ClosingState, &purpose,
		&s.RecapStatus, &s.RecapAttemptCount, &s.RecapErrorCode, &s.RecapLastAttemptAt,
		&s.LastActivityAt, &s.SilenceStartedAt, &s.RepromptCount,
		&checkpoints, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return CallSession{}, ErrNotFound
	}
	if err != nil {
		return CallSession{}, err
	}
	if err := json.Unmarshal(purpose, &s.Purpose); err != nil {
		return CallSession{}, fmt.Errorf("calls: corrupt purpose for %s: %w", id, err)
	}
	if s.PipelineCheckpoints, err = unmarshalCheckpoints(checkpoints); err != nil {
		return CallSession{}, fmt.Errorf("calls: corrupt checkpoints for %s: %w", id, err)
	}
	return s, nil
}

// Update performs a read-modify-write under row lock so the forward-only
// status guard sees the latest committed row, then writes only the patched
// columns.
func (p *PostgresStore) Update(ctx context.Context, id string, patch Patch) (CallSession, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return CallSession{}, err
	}
	defer tx.Rollback()

	cur, err := p.get(ctx, tx, id, true)
	if err != nil {
		return CallSession{}, err
	}
	next, err := apply(cur, patch, p.Now())
	if err != nil {
		return CallSession{}, err
	}

	set, args := patchColumns(cur, next)
	if len(set) > 0 {
		set = append(set, fmt.Sprintf("updated_at = $%d", len(args)+1))
		args = append(args, next.UpdatedAt)
		args = append(args, id)
		q := fmt.Sprintf("UPDATE call_sessions SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return CallSession{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return CallSession{}, err
	}
	p.publish(ctx, id, ChangeEvent{Kind: ChangeSession, Session: &next})
	return next, nil
}

// patchColumns diffs the applied row against the current one and emits only
// the columns that changed.
func patchColumns(cur, next CallSession) (set []string, args []any) {
	add := func(col string, v any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)+1))
		args = append(args, v)
	}
	if cur.Status != next.Status {
		add("status", next.Status)
	}
	if cur.ProviderCallID != next.ProviderCallID {
		add("provider_call_id", next.ProviderCallID)
	}
	if !timePtrEqual(cur.StartedAt, next.StartedAt) {
		add("started_at", next.StartedAt)
	}
	if !timePtrEqual(cur.EndedAt, next.EndedAt) {
		add("ended_at", next.EndedAt)
	}
	if cur.ClosingState != next.ClosingState {
		add("closing_state", next.ClosingState)
	}
	if cur.RecapStatus != next.RecapStatus {
		add("recap_status", next.RecapStatus)
	}
	if cur.RecapAttemptCount != next.RecapAttemptCount {
		add("recap_attempt_count", next.RecapAttemptCount)
	}
	if cur.RecapErrorCode != next.RecapErrorCode {
		add("recap_error_code", next.RecapErrorCode)
	}
	if !timePtrEqual(cur.RecapLastAttemptAt, next.RecapLastAttemptAt) {
		add("recap_last_attempt_at", next.RecapLastAttemptAt)
	}
	if !timePtrEqual(cur.LastActivityAt, next.LastActivityAt) {
		add("last_activity_at", next.LastActivityAt)
	}
	if !timePtrEqual(cur.SilenceStartedAt, next.SilenceStartedAt) {
		add("silence_started_at", next.SilenceStartedAt)
	}
	if cur.RepromptCount != next.RepromptCount {
		add("reprompt_count", next.RepromptCount)
	}
	return set, args
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func (p *PostgresStore) SetCheckpoint(ctx context.Context, id, name string, at time.Time) error {
	blob, err := json.Marshal(map[string]time.Time{name: at})
	if err != nil {
		return err
	}
	// jsonb || only adds the key when absent thanks to the ? guard:
	// write-once per milestone.
	res, err := p.db.ExecContext(ctx, `
		UPDATE call_sessions
		SET pipeline_checkpoints = pipeline_checkpoints || $2::jsonb, updated_at = $3
		WHERE id = $1 AND NOT pipeline_checkpoints ? $4`,
		id, blob, p.Now(), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// either unknown id or already stamped; distinguish for the caller
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) AppendTurn(ctx context.Context, t ConversationTurn) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (call_id, speaker, text, timestamp)
		VALUES ($1,$2,$3,$4)`,
		t.CallID, t.Speaker, t.Text, t.Timestamp)
	if err != nil {
		return err
	}
	p.publish(ctx, t.CallID, ChangeEvent{Kind: ChangeTurn, Turn: &t})
	return nil
}

func (p *PostgresStore) ListTurns(ctx context.Context, callID string) ([]ConversationTurn, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT call_id, speaker, text, timestamp
		FROM conversation_turns WHERE call_id = $1 ORDER BY timestamp`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ConversationTurn, 0)
	for rows.Next() {
		var t ConversationTurn
		if err := rows.Scan(&t.CallID, &t.Speaker, &t.Text, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Subscribe(ctx context.Context, callID string) (<-chan ChangeEvent, error) {
	sub := p.rdb.Subscribe(ctx, feedChannel(callID))
	// Force the subscribe round-trip so a dead Redis fails here, not on
	// first receive.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan ChangeEvent, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (p *PostgresStore) publish(ctx context.Context, callID string, ev ChangeEvent) {
	blob, err := json.Marshal(ev)
	if err != nil {
		return
	}
	// Best-effort: a failed publish is indistinguishable from a dropped
	// message and is healed by reconciliation.
	_ = p.rdb.Publish(ctx, feedChannel(callID), blob).Err()
}

// ListSessions returns sessions created inside [from, to) for reporting.
func (p *PostgresStore) ListSessions(ctx context.Context, from, to time.Time) ([]CallSession, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM call_sessions
		WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]CallSession, 0, len(ids))
	for _, id := range ids {
		s, err := p.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func marshalCheckpoints(m map[string]time.Time) ([]byte, error) {
	if m == nil {
		m = map[string]time.Time{}
	}
	blob, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("calls: marshal checkpoints: %w", err)
	}
	return blob, nil
}

func unmarshalCheckpoints(blob []byte) (map[string]time.Time, error) {
	m := map[string]time.Time{}
	if len(blob) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, err
	}
	return m, nil
}
