// ABOUTME: Background purge of versions left by failed rollbacks
// ABOUTME: Purges invalid transactions from every table, then reclaims them

package executor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nainya/txstore/pkg/table"
)

// DefaultSweepInterval is used when the interval is not positive
const DefaultSweepInterval = 30 * time.Second

// SweepStats describes one sweep
type SweepStats struct {
	Reclaimed []uint64
	Purged    int
}

// Sweeper removes orphan versions. An invalid id stays excluded from every
// snapshot until all its versions are gone, so purging can run at any time.
type Sweeper struct {
	oracle   Oracle
	tables   []table.Table
	interval time.Duration
	log      zerolog.Logger
	observer Observer

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a stopped sweeper
func NewSweeper(oracle Oracle, tables Tables, interval time.Duration, opts ...Option) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	// Borrow the executor options for logging and observation
	e := &Executor{log: zerolog.Nop(), observer: nopObserver{}}
	for _, opt := range opts {
		opt(e)
	}
	return &Sweeper{
		oracle:   oracle,
		tables:   tables.All(),
		interval: interval,
		log:      e.log,
		observer: e.observer,
	}
}

// SweepOnce purges the versions of every invalid transaction and reclaims
// the ids. Nothing is reclaimed if any table fails to purge.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	ids := s.oracle.Invalid()
	if len(ids) == 0 {
		return SweepStats{}, nil
	}
	doomed := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		doomed[id] = struct{}{}
	}
	match := func(v uint64) bool {
		_, ok := doomed[v]
		return ok
	}

	var stats SweepStats
	for _, t := range s.tables {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		n, err := t.PurgeVersions(match)
		if err != nil {
			return stats, errors.Wrapf(err, "purge table %s", t.Name())
		}
		if n > 0 {
			s.observer.VersionsPurged(t.Name(), n)
		}
		stats.Purged += n
	}

	if err := s.oracle.Reclaim(ctx, ids); err != nil {
		return stats, errors.Wrap(err, "reclaim")
	}
	stats.Reclaimed = ids
	s.log.Info().
		Int("transactions", len(ids)).
		Int("versions", stats.Purged).
		Msg("reclaimed invalid transactions")
	return stats, nil
}

// Start runs SweepOnce every interval until Stop
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

// Stop halts the loop and waits for an in-progress sweep
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Sweeper) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(context.Background()); err != nil {
				s.log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
