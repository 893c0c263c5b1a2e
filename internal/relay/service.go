package relay

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency"
	"github.com/chris-alexander-pop/outbox-relay/pkg/concurrency/distlock"
	dbsql "github.com/chris-alexander-pop/outbox-relay/pkg/database/sql"
	"github.com/chris-alexander-pop/outbox-relay/pkg/logger"
	"github.com/chris-alexander-pop/outbox-relay/pkg/messaging"

	"github.com/chris-alexander-pop/outbox-relay/internal/batch"
	"github.com/chris-alexander-pop/outbox-relay/internal/broker"
	"github.com/chris-alexander-pop/outbox-relay/internal/consumer"
	"github.com/chris-alexander-pop/outbox-relay/internal/inflight"
	"github.com/chris-alexander-pop/outbox-relay/internal/keylock"
	"github.com/chris-alexander-pop/outbox-relay/internal/outbox"
	"github.com/chris-alexander-pop/outbox-relay/internal/producer"
	"github.com/chris-alexander-pop/outbox-relay/internal/reaper"
	"github.com/chris-alexander-pop/outbox-relay/internal/schemaregistry"
	"github.com/chris-alexander-pop/outbox-relay/internal/serializer"
	"github.com/chris-alexander-pop/outbox-relay/internal/store"
)

// Service is the top-level assembly of the producer pipeline, consumer
// pipeline, and their shared substrate, plus the manual-trigger and
// statistics entry points.
type Service struct {
	cfg Config

	storeGateway store.Gateway
	keylock      producer.KeyLocker
	keylockLen   func() int
	tracker      *inflight.Tracker
	brokerClient *broker.Client

	channel chan outbox.Row

	poller      *producer.Poller
	pool        *producer.Pool
	publishMark *batch.Batcher

	receiveMark *batch.Batcher
	fetchers    []*consumer.Fetcher

	reaper *reaper.Reaper

	// drainCancel stops the poller, the fetchers, and the reaper (the
	// producer/consumer read sides and housekeeping) but deliberately
	// NOT the batchers: the batchers must outlive the drain, not race
	// it, so their final flush covers the last row the workers handled.
	// It is nil before Start and after Shutdown.
	drainCancel context.CancelFunc

	// batchCancel stops publishMark/receiveMark. Shutdown only calls this
	// once poolDone and fetchersDone have both closed, so nothing can
	// enqueue into a batcher after its final flush has already run.
	batchCancel context.CancelFunc

	poolDone     chan struct{}
	fetchersDone chan struct{}
	reaperDone   chan struct{}
	batchDone    chan struct{}
}

// New assembles a Service. db, brokerImpl and registry are expected to
// already be fully configured (resilient broker wrapping, connection pool
// sizing, etc.) by the caller; New only wires the relay-specific pieces
// on top.
func New(cfg Config, db dbsql.SQL, brokerImpl messaging.Broker, schemaRegistry schemaregistry.Client, locker distlock.Locker) (*Service, error) {
	cfg.applyDefaults()

	gw := store.New(db, cfg.Store)
	gatedGw := newGatedGateway(gw, cfg.DatabaseConnectionPoolSize)

	brokerClient, err := broker.New(brokerImpl, cfg.TopicName)
	if err != nil {
		return nil, err
	}

	ser := serializer.New(schemaRegistry)
	tracker := inflight.New(nil)
	registry := keylock.New(nil)

	var keyLocker producer.KeyLocker = producer.RegistryLocker{Registry: registry}
	keylockLen := registry.Len
	if cfg.EnableDistributedKeyLock && locker != nil {
		fenced := keylock.NewFenced(registry, locker, cfg.DistributedKeyLockTTL)
		keyLocker = producer.FencedRegistryLocker{Registry: fenced}
		keylockLen = fenced.Len
	}

	channel := make(chan outbox.Row, cfg.Producer.MaxProducerBuffer)

	publishMark := batch.New(batch.Config{
		BatchSize:     cfg.PublishBatchSize,
		FlushInterval: cfg.PublishFlushInterval,
		Name:          "publish-mark",
	}, func(ctx context.Context, ids []int64, now time.Time) error {
		return gatedGw.MarkPublishedBatch(ctx, ids, now)
	})

	receiveMark := batch.New(batch.Config{
		BatchSize:     cfg.Consumer.BatchSize,
		FlushInterval: cfg.Consumer.FlushInterval,
		Name:          "receive-mark",
	}, func(ctx context.Context, ids []int64, now time.Time) error {
		return gatedGw.MarkReceivedBatch(ctx, ids, now)
	})

	poller := producer.New(gatedGw, tracker, channel, cfg.Producer)
	pool := producer.NewPool(channel, keyLocker, ser, brokerClient, gatedGw, publishMark, tracker, cfg.Producer)
	fetchers := consumer.Instances(brokerClient, receiveMark, cfg.Consumer)
	keyReaper := reaper.New(registry, tracker, cfg.Reaper)

	return &Service{
		cfg:          cfg,
		storeGateway: gatedGw,
		keylock:      keyLocker,
		keylockLen:   keylockLen,
		tracker:      tracker,
		brokerClient: brokerClient,
		channel:      channel,
		poller:       poller,
		pool:         pool,
		publishMark:  publishMark,
		receiveMark:  receiveMark,
		fetchers:     fetchers,
		reaper:       keyReaper,
	}, nil
}

// Start launches every background loop: the poller, worker pool, both
// batchers, every consumer fetcher, and the reaper. It returns once all
// goroutines are spawned; it does not block.
//
// The poller/pool/fetchers/reaper run under drainCtx; the batchers run
// under an independent batchCtx so Shutdown can cancel them strictly
// after the drain side has finished (see Shutdown).
func (s *Service) Start(ctx context.Context) {
	drainCtx, drainCancel := context.WithCancel(ctx)
	batchCtx, batchCancel := context.WithCancel(context.Background())
	s.drainCancel = drainCancel
	s.batchCancel = batchCancel

	s.resetStuckRowsOnStartup(drainCtx)

	s.poolDone = make(chan struct{})
	s.fetchersDone = make(chan struct{})
	s.reaperDone = make(chan struct{})
	s.batchDone = make(chan struct{})

	concurrency.SafeGo(drainCtx, func() { s.poller.Run(drainCtx) })
	concurrency.SafeGo(drainCtx, func() { defer close(s.poolDone); s.pool.Run(drainCtx) })
	concurrency.SafeGo(drainCtx, func() { defer close(s.reaperDone); s.reaper.Run(drainCtx) })

	var fetcherWG sync.WaitGroup
	fetcherWG.Add(len(s.fetchers))
	for _, f := range s.fetchers {
		f := f
		concurrency.SafeGo(drainCtx, func() { defer fetcherWG.Done(); f.Run(drainCtx) })
	}
	concurrency.SafeGo(drainCtx, func() { fetcherWG.Wait(); close(s.fetchersDone) })

	var batchWG sync.WaitGroup
	batchWG.Add(2)
	concurrency.SafeGo(batchCtx, func() { defer batchWG.Done(); s.publishMark.Run(batchCtx) })
	concurrency.SafeGo(batchCtx, func() { defer batchWG.Done(); s.receiveMark.Run(batchCtx) })
	concurrency.SafeGo(batchCtx, func() { batchWG.Wait(); close(s.batchDone) })
}

// resetStuckRowsOnStartup is the crash-recovery pass run before the first
// poll. The in-flight tracker is process-local and never persisted, so
// there is nothing in durable storage to reset today; this step exists so
// a future persisted "claimed" marker has a place to be reset, and so the
// recovery pass shows up in logs on every boot.
func (s *Service) resetStuckRowsOnStartup(ctx context.Context) {
	logger.L().InfoContext(ctx, "startup crash-recovery check complete; no persisted claim marker to reset")
}

// Shutdown stops the poller and the consumer fetchers first so no new
// rows are claimed or fetched; the poller closes the channel itself as
// its sole writer, letting the worker pool drain it (internal/producer's
// workerLoop ranges over the channel rather than racing ctx.Done(), so
// every buffered row is handled rather than abandoned). Only once both
// the worker pool and the fetchers have fully stopped does Shutdown
// cancel the batchers, so publishMark/receiveMark run their final flush
// (each on its own context detached from batchCtx, per batch.Batcher.Run) after
// the last row that could enqueue into them has already done so.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.drainCancel == nil {
		return nil
	}

	s.drainCancel()

	drained := make(chan struct{})
	go func() {
		<-s.poolDone
		<-s.fetchersDone
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.batchCancel()
		return ctx.Err()
	}

	s.batchCancel()

	select {
	case <-s.batchDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-s.reaperDone:
	case <-ctx.Done():
	}

	return s.brokerClient.Close()
}

// TriggerOnce is the manual-trigger entry point: one synchronous
// poll-and-enqueue pass, returning whether it succeeded, how many rows were
// added to the channel, and when it ran.
func (s *Service) TriggerOnce(ctx context.Context) (success bool, messagesAdded int, timestamp time.Time) {
	added, err := s.poller.TriggerOnce(ctx)
	return err == nil, added, time.Now()
}

// Stats is the statistics entry point: a snapshot of in-flight claims,
// tracked key locks, manual-trigger invocations, and the time it was taken.
type Stats struct {
	InFlightCount      int
	KeyLockCount       int
	ManualTriggerCount int64
	Now                time.Time
}

// Stats returns the current snapshot.
func (s *Service) Stats() Stats {
	return Stats{
		InFlightCount:      s.tracker.Len(),
		KeyLockCount:       s.keylockLen(),
		ManualTriggerCount: s.poller.Stats().ManualTriggerRuns,
		Now:                time.Now(),
	}
}

// BootstrapWithRetry wraps fn (typically opening the DB/broker connections)
// with exponential backoff, so a relay starting before its dependencies
// keeps trying instead of crash-looping.
func BootstrapWithRetry(ctx context.Context, fn func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.RetryNotify(fn, bo, func(err error, d time.Duration) {
		logger.L().ErrorContext(ctx, "bootstrap step failed, retrying", "error", err, "backoff", d)
	})
}
