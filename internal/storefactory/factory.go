package storefactory

import (
	"context"
	"fmt"
	"time"

	whirrstore "github.com/3leaps/whirr/internal/store"
	"github.com/3leaps/whirr/internal/store/postgres"
	"github.com/3leaps/whirr/internal/store/sqlite"
)

// Mode selects which backend Open wires up. The scheduler core never sees
// this: callers get back the Store interface and nothing more.
type Mode string

const (
	ModeEmbedded  Mode = "embedded"
	ModeNetworked Mode = "postgres"
)

// Options configures whichever backend Mode selects. Only the fields the
// chosen backend needs are read.
type Options struct {
	Mode Mode

	// Embedded (SQLite)
	SQLitePath       string
	HeartbeatTimeout time.Duration

	// Networked (Postgres)
	PostgresDSN  string
	LeaseSeconds int
}

// Open dispatches to the embedded or networked backend and returns the
// shared Store interface; no backend-specific type crosses this boundary.
func Open(ctx context.Context, opts Options) (whirrstore.Store, error) {
	switch opts.Mode {
	case ModeEmbedded, "":
		db, err := sqlite.Open(ctx, sqlite.Config{Path: opts.SQLitePath})
		if err != nil {
			return nil, fmt.Errorf("open embedded store: %w", err)
		}
		return sqlite.New(db, opts.HeartbeatTimeout), nil

	case ModeNetworked:
		db, err := postgres.Open(ctx, postgres.Config{DSN: opts.PostgresDSN})
		if err != nil {
			return nil, fmt.Errorf("open networked store: %w", err)
		}
		return postgres.New(db, opts.LeaseSeconds), nil

	default:
		return nil, fmt.Errorf("unknown storage mode %q", opts.Mode)
	}
}
