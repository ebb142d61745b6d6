package calllog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Postgres is a call record store backed by a calls table and a
// call_messages table. All methods are safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store, establishes a connection pool to the
// database at dsn, and runs the schema migration.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("calllog: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("calllog: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// migrate creates the calls and call_messages tables if they do not exist.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS calls (
			call_id         text PRIMARY KEY,
			stream_sid      text NOT NULL,
			started_at      timestamptz NOT NULL,
			ended_at        timestamptz,
			end_reason      text,
			inbound_frames  bigint NOT NULL DEFAULT 0,
			outbound_frames bigint NOT NULL DEFAULT 0,
			dropped_bytes   bigint NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS call_messages (
			id       bigint GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			call_id  text NOT NULL REFERENCES calls (call_id) ON DELETE CASCADE,
			role     text NOT NULL,
			content  text NOT NULL,
			said_at  timestamptz NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS call_messages_call_id_idx
			ON call_messages (call_id, said_at);`

	if _, err := pool.Exec(ctx, schema); err != nil {
		return err
	}
	return nil
}

// Begin implements [Store]. A repeated Begin for the same call (a reconnect
// reusing the call ID) refreshes the stream SID and start time.
func (p *Postgres) Begin(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO calls (call_id, stream_sid, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO UPDATE
			SET stream_sid = EXCLUDED.stream_sid,
			    started_at = EXCLUDED.started_at`

	_, err := p.pool.Exec(ctx, q, rec.CallID, rec.StreamSID, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("calllog: begin call: %w", err)
	}
	return nil
}

// End implements [Store].
func (p *Postgres) End(ctx context.Context, callID string, end End) error {
	const q = `
		UPDATE calls
		SET    ended_at = $2,
		       end_reason = $3,
		       inbound_frames = $4,
		       outbound_frames = $5,
		       dropped_bytes = $6
		WHERE  call_id = $1`

	_, err := p.pool.Exec(ctx, q, callID, end.EndedAt, end.Reason, int64(end.InboundFrames), int64(end.OutboundFrames), int64(end.DroppedBytes))
	if err != nil {
		return fmt.Errorf("calllog: end call: %w", err)
	}
	return nil
}

// AddMessage implements [Store].
func (p *Postgres) AddMessage(ctx context.Context, callID, role, content string) error {
	const q = `
		INSERT INTO call_messages (call_id, role, content)
		VALUES ($1, $2, $3)`

	_, err := p.pool.Exec(ctx, q, callID, role, content)
	if err != nil {
		return fmt.Errorf("calllog: add message: %w", err)
	}
	return nil
}

// Ping implements [Store].
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("calllog: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
