package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/bus"
)

// Publisher drains the outbox store to a sink. Records sharing an
// aggregateId are delivered strictly in createdAt order; distinct aggregates
// are published in parallel up to the worker cap.
type Publisher struct {
	store Store
	sink  bus.Sink
	log   *slog.Logger

	pollInterval time.Duration
	batchSize    int
	workers      int
	reapInterval time.Duration
	claimLease   time.Duration
	staleAfter   time.Duration

	// Hooks for metrics. Nil hooks are skipped.
	onPublished  func()
	onDeadLetter func()

	wg     sync.WaitGroup
	cancel context.CancelFunc
	wake   chan struct{}
}

// PublisherOptions configure a [Publisher]. Zero values select defaults.
type PublisherOptions struct {
	Store Store
	Sink  bus.Sink
	Log   *slog.Logger

	// PollInterval is the drain tick. Default 500ms.
	PollInterval time.Duration
	// BatchSize caps records fetched per tick. Default 100.
	BatchSize int
	// Workers caps parallel aggregate groups per batch. Default 8.
	Workers int
	// ReapInterval is how often expired claims are reclaimed. Default 30s.
	ReapInterval time.Duration
	// ClaimLease is how long a claim holds before the reaper takes it back.
	// Default 60s.
	ClaimLease time.Duration
	// StaleAfter flags pending records older than this. Default 24h.
	StaleAfter time.Duration

	// OnPublished and OnDeadLetter are metric hooks invoked per record.
	OnPublished  func()
	OnDeadLetter func()
}

// NewPublisher creates a publisher. Call Start to begin draining.
func NewPublisher(opts PublisherOptions) *Publisher {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	if opts.ClaimLease <= 0 {
		opts.ClaimLease = 60 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 24 * time.Hour
	}
	return &Publisher{
		store:        opts.Store,
		sink:         opts.Sink,
		log:          opts.Log.With("component", "outbox"),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		workers:      opts.Workers,
		reapInterval: opts.ReapInterval,
		claimLease:   opts.ClaimLease,
		staleAfter:   opts.StaleAfter,
		onPublished:  opts.OnPublished,
		onDeadLetter: opts.OnDeadLetter,
		wake:         make(chan struct{}, 1),
	}
}

// Start launches the drain and reaper loops. They run until ctx is cancelled
// or Drain is called.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.drainLoop(ctx)
	go p.reapLoop(ctx)
}

// Wake nudges the drain loop to poll immediately instead of waiting for the
// next tick. Called after appends on the hot path.
func (p *Publisher) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Drain stops the loops, then publishes remaining due records until the
// store is empty or ctx expires.
func (p *Publisher) Drain(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for {
		if ctx.Err() != nil {
			p.log.Warn("outbox drain abandoned", "err", ctx.Err())
			return
		}
		n, err := p.publishBatch(ctx)
		if err != nil {
			p.log.Error("outbox drain batch failed", "err", err)
			return
		}
		if n == 0 {
			return
		}
	}
}

func (p *Publisher) drainLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		if _, err := p.publishBatch(ctx); err != nil && ctx.Err() == nil {
			p.log.Error("outbox batch failed", "err", err)
		}
	}
}

func (p *Publisher) reapLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := p.store.ReapStale(ctx, p.claimLease); err != nil {
			if ctx.Err() == nil {
				p.log.Error("outbox reap failed", "err", err)
			}
		} else if n > 0 {
			p.log.Warn("reclaimed expired outbox leases", "count", n)
		}
		if n, err := p.store.CountStalePending(ctx, p.staleAfter); err == nil && n > 0 {
			p.log.Warn("outbox has stale pending records", "count", n, "older_than", p.staleAfter)
		}
	}
}

// publishBatch fetches one batch, groups it by aggregateId, and publishes
// groups in parallel. It returns how many records it attempted.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	batch, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil || len(batch) == 0 {
		return 0, err
	}

	// FetchPending is createdAt-ordered, so each group stays ordered.
	groups := make(map[string][]Record)
	var order []string
	for _, rec := range batch {
		if _, ok := groups[rec.AggregateID]; !ok {
			order = append(order, rec.AggregateID)
		}
		groups[rec.AggregateID] = append(groups[rec.AggregateID], rec)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, key := range order {
		group := groups[key]
		g.Go(func() error {
			p.publishGroup(ctx, group)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

// publishGroup delivers one aggregate's records in order. The first failure
// stops the group so a later record can never overtake an earlier one.
func (p *Publisher) publishGroup(ctx context.Context, group []Record) {
	for _, rec := range group {
		if ctx.Err() != nil {
			return
		}
		ok, err := p.store.Claim(ctx, rec.ID)
		if err != nil {
			p.log.Error("outbox claim failed", "id", rec.ID, "err", err)
			return
		}
		if !ok {
			// Another publisher holds the record; it also holds the
			// aggregate's ordering, so back off entirely.
			return
		}
		if !p.publishOne(ctx, rec) {
			return
		}
	}
}

// publishOne delivers a claimed record and records the outcome. It reports
// whether the aggregate may continue.
func (p *Publisher) publishOne(ctx context.Context, rec Record) bool {
	err := p.sink.Publish(ctx, bus.Event{
		Topic:   rec.Type,
		Key:     rec.AggregateID,
		EventID: rec.ID.String(),
		Payload: rec.Payload,
		Headers: map[string]string{
			"tenant":         rec.TenantID,
			"aggregate":      rec.Aggregate,
			"correlation_id": rec.CorrelationID,
		},
	})
	if err == nil {
		if markErr := p.store.MarkPublished(ctx, rec.ID); markErr != nil {
			// The event went out but the row is still publishing; the reaper
			// returns it to pending and the sink's consumers deduplicate the
			// redelivery on event id.
			p.log.Error("outbox mark published failed", "id", rec.ID, "err", markErr)
			return false
		}
		if p.onPublished != nil {
			p.onPublished()
		}
		return true
	}

	permanent := bus.IsPermanent(err)
	willDeadLetter := permanent || rec.Attempts+1 >= rec.MaxAttempts
	if markErr := p.store.MarkFailed(ctx, rec.ID, err.Error(), permanent); markErr != nil {
		p.log.Error("outbox mark failed errored", "id", rec.ID, "err", markErr)
		return false
	}
	if willDeadLetter {
		p.log.Error("outbox record dead-lettered",
			"id", rec.ID,
			"type", rec.Type,
			"aggregate_id", rec.AggregateID,
			"attempts", rec.Attempts+1,
			"code", "DEAD_LETTERED",
			"err", err)
		if p.onDeadLetter != nil {
			p.onDeadLetter()
		}
	} else {
		p.log.Warn("outbox publish failed, will retry",
			"id", rec.ID,
			"attempts", rec.Attempts+1,
			"backoff", Backoff(rec.Attempts+1),
			"err", err)
	}
	return false
}
