// Package ingest keeps a best-effort live subscription to the event bus and
// delivers events to a run tracker, surviving transient disconnects without
// caller intervention.
package ingest

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"runtrack/internal/async"
	"runtrack/internal/bus"
	"runtrack/internal/events"
	"runtrack/internal/observability"
)

// defaultMaxTryInterval is the backoff ceiling, in try units, when no retry
// attempt budget is configured.
const defaultMaxTryInterval = 32

// Tracker is the state the ingestion loop feeds. HandleEvent is invoked
// synchronously and serially from the ingestion goroutine; the tracker is the
// only state that goroutine mutates, and callers needing cross-thread reads
// must supply their own synchronization.
type Tracker interface {
	HandleEvent(e events.Event)
	IsRootComplete() bool
}

// Options tunes a Service. The zero value is usable with real-time defaults.
type Options struct {
	// MaxRetryAttempts caps reconnect backoff at 2^MaxRetryAttempts try
	// units. Zero keeps the default 32-unit ceiling.
	MaxRetryAttempts int
	// TryUnit is the duration of one backoff unit. Defaults to one second.
	TryUnit time.Duration
	// ReadyFile, when set, is touched on first successful subscription so
	// external waiters can poll for readiness cheaply. It must not already
	// exist.
	ReadyFile string
	// AllComplete reports whether every tracked task is terminal. Only
	// consulted once the root task is complete. Nil means root completion
	// alone ends the run.
	AllComplete func() bool

	// OnReady fires once, on the first successful subscription.
	OnReady func()
	// OnExternalShutdown fires when the loop exits because Stop was called.
	OnExternalShutdown func()
	// OnCleanup fires exactly once when the loop exits, regardless of why.
	OnCleanup func()

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// Sleep overrides backoff waits in tests.
	Sleep func(time.Duration)
}

// Service owns the background goroutine that receives bus events. One live
// connection exists at a time.
type Service struct {
	client  bus.Client
	tracker Tracker

	maxTryInterval int
	tryUnit        time.Duration
	readyFile      string
	allComplete    func() bool

	onReady            func()
	onExternalShutdown func()
	onCleanup          func()

	logger  *observability.Logger
	metrics *observability.Metrics
	sleep   func(time.Duration)

	mu   sync.Mutex
	conn bus.Conn

	ready        bool
	externalStop atomic.Bool
	started      atomic.Bool
	done         chan struct{}
}

// New builds an ingestion service. It fails when the ready marker file
// already exists, since a stale marker would let external waiters proceed
// before any subscription happened.
func New(client bus.Client, tracker Tracker, opts Options) (*Service, error) {
	if opts.ReadyFile != "" {
		if _, err := os.Stat(opts.ReadyFile); err == nil {
			return nil, fmt.Errorf("ready file must not already exist: %s", opts.ReadyFile)
		}
	}

	maxTryInterval := defaultMaxTryInterval
	if opts.MaxRetryAttempts > 0 {
		maxTryInterval = 1 << opts.MaxRetryAttempts
	}
	tryUnit := opts.TryUnit
	if tryUnit <= 0 {
		tryUnit = time.Second
	}
	allComplete := opts.AllComplete
	if allComplete == nil {
		allComplete = func() bool { return true }
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	return &Service{
		client:             client,
		tracker:            tracker,
		maxTryInterval:     maxTryInterval,
		tryUnit:            tryUnit,
		readyFile:          opts.ReadyFile,
		allComplete:        allComplete,
		onReady:            opts.OnReady,
		onExternalShutdown: opts.OnExternalShutdown,
		onCleanup:          opts.OnCleanup,
		logger:             observability.OrNop(opts.Logger).WithComponent("ingest"),
		metrics:            opts.Metrics,
		sleep:              sleep,
		done:               make(chan struct{}),
	}, nil
}

// Start launches the receive loop on its own goroutine. Calling Start more
// than once is a no-op.
func (s *Service) Start() {
	if s.started.Swap(true) {
		return
	}
	async.Go(s.logger, "bus-receiver", s.run)
}

// Stop signals external shutdown: the live subscription is told to stop and
// the loop exits through the external-shutdown hook instead of the
// error-retry path.
func (s *Service) Stop() {
	s.externalStop.Store(true)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.RequestStop()
	}
}

// Wait blocks until the receive loop has exited.
func (s *Service) Wait() {
	<-s.done
}

// Done exposes loop termination for select-based callers.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) run() {
	defer close(s.done)
	defer s.cleanup()

	tryInterval := 1
	for !s.tracker.IsRootComplete() {
		tryInterval *= 2
		if s.externalStop.Load() {
			s.externalShutdown()
			return
		}
		err := s.connectAndReceive(&tryInterval)
		if s.externalStop.Load() {
			s.externalShutdown()
			return
		}
		if err == nil {
			// The receive loop ended without error: termination detection
			// requested the stop, or the bus closed cleanly. The loop
			// condition decides which.
			continue
		}

		if s.tracker.IsRootComplete() {
			s.logger.Info("root task complete; stopping bus receiver")
			return
		}
		s.logger.Error("bus connection lost", "error", err)
		if tryInterval > s.maxTryInterval {
			s.logger.Warn("maximum bus retry attempts exceeded, stopping receiver; will no longer retry despite incomplete root task",
				"try_interval", tryInterval)
			return
		}
		s.logger.Debug("retrying bus connection", "try_interval", tryInterval)
		s.metrics.ReconnectAttempt()
		s.sleep(time.Duration(tryInterval) * s.tryUnit)
	}
}

func (s *Service) connectAndReceive(tryInterval *int) error {
	conn, err := s.client.Connect()
	if err != nil {
		return err
	}
	*tryInterval = 1

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.externalStop.Load() {
		// Stop raced with the dial; make sure the fresh connection hears it.
		conn.RequestStop()
	}
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	s.signalReady()
	return conn.Subscribe(s.handleEvent)
}

func (s *Service) handleEvent(e events.Event) {
	s.tracker.HandleEvent(e)
	s.metrics.EventAggregated()

	// Root completeness is checked first; the all-complete predicate cannot
	// hold without it.
	if s.tracker.IsRootComplete() && s.allComplete() {
		s.logger.Info("run complete; requesting subscription stop")
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.RequestStop()
		}
	}
}

// signalReady fires the one-time readiness path: marker file first, then the
// callback. Re-entry is a no-op.
func (s *Service) signalReady() {
	if s.ready {
		return
	}
	if s.readyFile != "" {
		if err := os.WriteFile(s.readyFile, nil, 0o644); err != nil {
			s.logger.Warn("failed to create ready file", "path", s.readyFile, "error", err)
		}
	}
	if s.onReady != nil {
		s.onReady()
	}
	s.ready = true
}

func (s *Service) externalShutdown() {
	s.logger.Info("received external shutdown")
	if s.onExternalShutdown != nil {
		s.onExternalShutdown()
	}
}

func (s *Service) cleanup() {
	if s.onCleanup != nil {
		s.onCleanup()
	}
}
