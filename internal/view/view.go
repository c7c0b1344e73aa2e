package view

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"qms/clinic-queue/internal/logging"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"
)

const (
	DefaultWindow       = 24 * time.Hour
	DefaultPollInterval = 5 * time.Second
	defaultFetchTimeout = 5 * time.Second
)

var ErrAlreadyRunning = errors.New("view is already running")

// Snapshot is one coherent read of the recent-ticket window. It is never
// mutated after publication.
type Snapshot struct {
	Version   uint64
	Tickets   []models.Ticket
	FetchedAt time.Time
}

type Options struct {
	Window       time.Duration
	PollInterval time.Duration
	FetchTimeout time.Duration
	Now          func() time.Time
}

// View is the process-local materialized ticket list. Change notifications
// and the poll ticker both trigger the same full re-fetch, and every
// refresh replaces the snapshot wholesale.
type View struct {
	reader       store.Reader
	window       time.Duration
	pollInterval time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	trigger   chan struct{}
	running   atomic.Bool

	listenersMu sync.RWMutex
	nextID      int
	listeners   map[int]func(*Snapshot)
}

func New(reader store.Reader, options Options) *View {
	v := &View{
		reader:       reader,
		window:       options.Window,
		pollInterval: options.PollInterval,
		fetchTimeout: options.FetchTimeout,
		now:          options.Now,
		trigger:      make(chan struct{}, 1),
		listeners:    make(map[int]func(*Snapshot)),
	}
	if v.window <= 0 {
		v.window = DefaultWindow
	}
	if v.pollInterval <= 0 {
		v.pollInterval = DefaultPollInterval
	}
	if v.fetchTimeout <= 0 {
		v.fetchTimeout = defaultFetchTimeout
	}
	if v.now == nil {
		v.now = time.Now
	}
	v.current.Store(&Snapshot{})
	return v
}

// Current returns the latest published snapshot. Before the first refresh
// it is empty with version 0.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}

// Refresh re-reads the whole window and publishes it. Refreshes are
// serialized, so a slower older fetch can never replace a newer one.
func (v *View) Refresh(ctx context.Context) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()

	tickets, err := v.reader.QueryRecent(ctx, v.window)
	if err != nil {
		return err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}

	prev := v.current.Load()
	next := &Snapshot{
		Version:   prev.Version + 1,
		Tickets:   tickets,
		FetchedAt: v.now().UTC(),
	}
	v.current.Store(next)
	v.notify(next)
	return nil
}

// Trigger requests a refresh from the running loop without blocking.
// Requests made while one is already pending are coalesced.
func (v *View) Trigger() {
	select {
	case v.trigger <- struct{}{}:
	default:
	}
}

// Watch registers fn to receive every published snapshot, in order. fn runs
// on the refreshing goroutine and must not block.
func (v *View) Watch(fn func(*Snapshot)) func() {
	v.listenersMu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.listenersMu.Lock()
			delete(v.listeners, id)
			v.listenersMu.Unlock()
		})
	}
}

// Run owns the reconciliation loop until ctx is cancelled. A failed
// subscription degrades to polling only.
func (v *View) Run(ctx context.Context) error {
	if !v.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer v.running.Store(false)

	logger := logging.FromContext(ctx)
	unsubscribe, err := v.reader.Subscribe(ctx, v.Trigger)
	if err != nil {
		logger.Warn().Err(err).Msg("ticket change subscription unavailable, polling only")
	} else {
		defer unsubscribe()
	}

	v.refreshOnce(ctx)

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			v.refreshOnce(ctx)
		case <-v.trigger:
			v.refreshOnce(ctx)
		}
	}
}

func (v *View) refreshOnce(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()
	if err := v.Refresh(fetchCtx); err != nil && ctx.Err() == nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("ticket view refresh failed, keeping last snapshot")
	}
}

func (v *View) notify(snapshot *Snapshot) {
	v.listenersMu.RLock()
	listeners := make([]func(*Snapshot), 0, len(v.listeners))
	for _, fn := range v.listeners {
		listeners = append(listeners, fn)
	}
	v.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}
