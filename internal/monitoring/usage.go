// Package monitoring records per-request usage to a local SQLite database.
//
// DESIGN: Records are buffered on a channel and flushed in batches by one
// writer goroutine, so the request path never blocks on disk. A cleanup
// ticker prunes records past the retention window.
package monitoring

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/enginebridge/engine-gateway/internal/config"
)

// Record is one completed (or failed) completion exchange.
type Record struct {
	RequestID        string
	Model            string
	Adapter          string
	Stream           bool
	Status           int
	ErrorKind        string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Accounting       string
	LatencyMS        int64
	RequestedAt      time.Time
}

// Store is the async usage recorder. A nil *Store is a no-op, so callers
// never need to branch on whether monitoring is enabled.
type Store struct {
	db      *sql.DB
	records chan Record

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL,
	adapter TEXT NOT NULL,
	stream BOOLEAN NOT NULL DEFAULT 0,
	status INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	accounting TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL DEFAULT 0,
	requested_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_usage_requested_at ON usage_records(requested_at);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
`

// NewStore opens (creating if needed) the usage database at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create usage db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open usage db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init usage schema: %w", err)
	}

	s := &Store{
		db:      db,
		records: make(chan Record, 1000),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// Record enqueues one usage record. Drops (with a log line) rather than
// blocking when the buffer is full.
func (s *Store) Record(rec Record) {
	if s == nil {
		return
	}
	select {
	case s.records <- rec:
	default:
		log.Warn().Msg("usage buffer full, dropping record")
	}
}

func (s *Store) writeLoop() {
	defer s.wg.Done()

	flushTicker := time.NewTicker(config.DefaultUsageFlushInterval)
	cleanupTicker := time.NewTicker(24 * time.Hour)
	defer flushTicker.Stop()
	defer cleanupTicker.Stop()

	batch := make([]Record, 0, config.DefaultUsageBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			log.Error().Err(err).Int("records", len(batch)).Msg("usage flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= config.DefaultUsageBatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		case <-cleanupTicker.C:
			s.cleanup()
		case <-s.stop:
			// Drain what's already buffered, then flush once.
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Store) insertBatch(batch []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			request_id, model, adapter, stream, status, error_kind,
			prompt_tokens, completion_tokens, total_tokens, accounting,
			latency_ms, requested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.RequestID, rec.Model, rec.Adapter, rec.Stream, rec.Status, rec.ErrorKind,
			rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Accounting,
			rec.LatencyMS, rec.RequestedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) cleanup() {
	cutoff := time.Now().AddDate(0, 0, -config.DefaultUsageRetentionDays).UTC()
	res, err := s.db.Exec(`DELETE FROM usage_records WHERE requested_at < ?`, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("usage cleanup failed")
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("pruned", n).Msg("usage records pruned")
	}
}

// Totals returns aggregate token counts since a point in time.
func (s *Store) Totals(since time.Time) (requests int64, tokens int64, err error) {
	if s == nil {
		return 0, 0, nil
	}
	row := s.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM usage_records WHERE requested_at >= ?`, since.UTC())
	err = row.Scan(&requests, &tokens)
	return requests, tokens, err
}

// Close flushes pending records and closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	return s.db.Close()
}
