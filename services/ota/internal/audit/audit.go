package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"otad/pkg/db"
)

// Recorder writes operator commands and fleet state transitions to
// Postgres. A nil Recorder is valid and records nothing, so callers never
// need to branch on whether auditing is configured. Writes are
// best-effort: a database fault is logged and the request proceeds.
type Recorder struct {
	pool   *pgxpool.Pool
	logger *log.Logger
}

// CommandEntry is one row of the command log.
type CommandEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	DeviceID  string    `db:"device_id" json:"device_id"`
	Action    string    `db:"action" json:"action"`
	Source    string    `db:"source" json:"source"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// NewRecorder wires a Recorder to the pool.
func NewRecorder(pool *pgxpool.Pool, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{pool: pool, logger: logger}
}

// Command records an operator-issued action such as a force-update intent
// or a firmware publish.
func (r *Recorder) Command(ctx context.Context, deviceID, action, source string) {
	if r == nil || r.pool == nil {
		return
	}

	_, err := db.Exec(ctx, r.pool,
		`INSERT INTO command_log (id, device_id, action, source, created_at)
         VALUES ($1, $2, $3, $4, now())`,
		uuid.New(), deviceID, action, source)
	if err != nil {
		r.logger.Printf("ERROR record command %s for %q: %v", action, deviceID, err)
	}
}

// DeviceEvent records a fleet state transition (registered, offline).
func (r *Recorder) DeviceEvent(ctx context.Context, deviceID, event string) {
	if r == nil || r.pool == nil {
		return
	}

	_, err := db.Exec(ctx, r.pool,
		`INSERT INTO device_events (device_id, event, created_at) VALUES ($1, $2, now())`,
		deviceID, event)
	if err != nil {
		r.logger.Printf("ERROR record device event %s for %q: %v", event, deviceID, err)
	}
}

// RecentCommands returns the newest command-log rows, most recent first.
func (r *Recorder) RecentCommands(ctx context.Context, limit int) ([]CommandEntry, error) {
	if r == nil || r.pool == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	var entries []CommandEntry
	err := db.Select(ctx, r.pool, &entries,
		`SELECT id, device_id, action, source, created_at
         FROM command_log ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Enabled reports whether the Recorder actually persists anything.
func (r *Recorder) Enabled() bool {
	return r != nil && r.pool != nil
}
