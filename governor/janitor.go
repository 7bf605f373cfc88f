package governor

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/quotaplane/quotaplane/observability"
	"github.com/quotaplane/quotaplane/store"
)

// Retention holds how long each record class is kept.
type Retention struct {
	Events               time.Duration
	QueueEntries         time.Duration
	Windows              time.Duration
	Patterns             time.Duration
	PatternMaxConfidence float64
}

// DefaultRetention returns the production retention policy: events for 30
// days, terminal queue entries and rotated windows for 7, and low-confidence
// patterns for 30.
func DefaultRetention() Retention {
	return Retention{
		Events:               30 * 24 * time.Hour,
		QueueEntries:         7 * 24 * time.Hour,
		Windows:              7 * 24 * time.Hour,
		Patterns:             30 * 24 * time.Hour,
		PatternMaxConfidence: 0.3,
	}
}

// Janitor periodically prunes aged records from the store.
type Janitor struct {
	store     store.Store
	retention Retention
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewJanitor returns a Janitor sweeping at the given interval.
func NewJanitor(st store.Store, retention Retention, interval time.Duration) *Janitor {
	return &Janitor{
		store:     st,
		retention: retention,
		interval:  interval,
		logger:    log.New(os.Stderr, "[janitor] ", log.LstdFlags),
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start() {
	j.done.Add(1)
	go j.loop()
}

// Stop halts the loop and waits for it.
func (j *Janitor) Stop() {
	close(j.stop)
	j.done.Wait()
}

func (j *Janitor) loop() {
	defer j.done.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.Sweep(context.Background())
		}
	}
}

// Sweep runs one retention pass. Individual prune failures are logged and do
// not abort the rest of the pass.
func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()
	j.prune(ctx, "events", func() (int64, error) {
		return j.store.PruneEvents(ctx, now.Add(-j.retention.Events))
	})
	j.prune(ctx, "queue_entries", func() (int64, error) {
		return j.store.PruneQueueEntries(ctx, now.Add(-j.retention.QueueEntries))
	})
	j.prune(ctx, "windows", func() (int64, error) {
		return j.store.PruneWindows(ctx, now.Add(-j.retention.Windows))
	})
	j.prune(ctx, "patterns", func() (int64, error) {
		return j.store.PrunePatterns(ctx, j.retention.PatternMaxConfidence, now.Add(-j.retention.Patterns))
	})
}

func (j *Janitor) prune(ctx context.Context, table string, fn func() (int64, error)) {
	started := time.Now()
	n, err := fn()
	observability.StoreLatency.WithLabelValues("prune_" + table).Observe(time.Since(started).Seconds())
	if err != nil {
		j.logger.Printf("prune %s failed: %v", table, err)
		return
	}
	if n > 0 {
		j.logger.Printf("pruned %d row(s) from %s", n, table)
		observability.JanitorPruned.WithLabelValues(table).Add(float64(n))
	}
}
