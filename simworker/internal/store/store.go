// Package store is the relational persistence layer of the worker: runs,
// episodes, step traces, findings and reports, plus read access to the
// personas, flows and frames the control plane owns.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hazyhaar/uxsim/simworker/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the worker database.
type Store struct {
	DB *sql.DB

	personas *expirable.LRU[string, *model.Persona]
	flows    *expirable.LRU[string, *model.Flow]
}

// DefaultCacheTTL bounds how stale a cached persona or flow may be.
const DefaultCacheTTL = time.Minute

// Option configures a Store.
type Option func(*options)

type options struct {
	cacheTTL time.Duration
}

// WithCacheTTL sets how long persona and flow reads are cached.
func WithCacheTTL(d time.Duration) Option { return func(o *options) { o.cacheTTL = d } }

// NewStore creates a Store over an opened database. Persona and flow reads
// go through a small expiring LRU: the worker never writes them, but the
// control plane may edit them while the process runs.
func NewStore(db *sql.DB, opts ...Option) *Store {
	o := options{cacheTTL: DefaultCacheTTL}
	for _, fn := range opts {
		fn(&o)
	}
	return &Store{
		DB:       db,
		personas: expirable.NewLRU[string, *model.Persona](256, nil, o.cacheTTL),
		flows:    expirable.NewLRU[string, *model.Flow](64, nil, o.cacheTTL),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func marshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
