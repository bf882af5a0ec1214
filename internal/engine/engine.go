// Package engine owns the process-wide sync state and wires the transport,
// queue, cache, network monitor and realtime channel together.
package engine

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/spotsync/internal/apiclient"
	"github.com/agentworkforce/spotsync/internal/auth"
	"github.com/agentworkforce/spotsync/internal/cache"
	"github.com/agentworkforce/spotsync/internal/netmon"
	"github.com/agentworkforce/spotsync/internal/queue"
	"github.com/agentworkforce/spotsync/internal/realtime"
	"github.com/agentworkforce/spotsync/internal/storage"
	"github.com/agentworkforce/spotsync/internal/uistate"
)

var Error = errs.Class("engine")

type Options struct {
	BaseURL    string
	Storage    storage.KV
	HTTPClient *http.Client
	Logger     *zap.Logger

	// Probe drives the network monitor. Without one the monitor only
	// changes state through Engine.ReportNetwork.
	Probe         netmon.Probe
	ProbeInterval time.Duration
	ProbeJitter   float64

	// Dialer opens the realtime channel. Nil disables realtime.
	Dialer      realtime.Dialer
	EventBuffer int

	RequestTimeout time.Duration
	RefreshAhead   time.Duration
	Now            func() time.Time
}

type Engine struct {
	log *zap.Logger
	now func() time.Time
	kv  storage.KV

	session       *auth.Store
	authenticator *auth.HTTPAuthenticator
	coordinator   *auth.Coordinator
	api           *apiclient.Client
	ui            *uistate.Store
	queue         *queue.Queue
	cache         *cache.Cache
	monitor       *netmon.Monitor
	channel       *realtime.Channel
	detachEvents  func()

	closeOnce sync.Once
	closeErr  error
}

// New builds the engine in dependency order: storage, auth, transport, ui,
// queue, cache, network monitor, realtime. The persisted queue is projected
// into the ui state before New returns.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, Error.New("storage is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HTTPClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		opts.HTTPClient = &http.Client{Timeout: timeout}
	}
	log := opts.Logger

	e := &Engine{log: log, now: opts.Now, kv: opts.Storage}

	e.session = auth.NewStore(opts.Storage, log.Named("auth"))
	if err := e.session.Load(ctx); err != nil {
		return nil, Error.Wrap(err)
	}
	e.authenticator = auth.NewHTTPAuthenticator(opts.BaseURL, opts.HTTPClient)
	e.coordinator = auth.NewCoordinator(e.session, e.authenticator, auth.CoordinatorOptions{
		Timeout: opts.RequestTimeout,
		Logger:  log.Named("auth"),
	})

	e.api = apiclient.New(opts.BaseURL, e.session, e.coordinator, apiclient.Options{
		HTTPClient:   opts.HTTPClient,
		Logger:       log.Named("api"),
		MaxRetries:   2,
		RefreshAhead: opts.RefreshAhead,
		Now:          opts.Now,
	})

	e.ui = uistate.New(uistate.Options{Logger: log.Named("ui"), Now: opts.Now})

	q, err := queue.Open(ctx, opts.Storage, queue.Options{
		UI:     e.ui,
		Logger: log.Named("queue"),
		Now:    opts.Now,
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	e.queue = q

	e.cache = cache.New(cache.Options{Storage: opts.Storage, Logger: log.Named("cache"), Now: opts.Now})
	if err := e.cache.Restore(ctx); err != nil {
		log.Warn("restore query cache failed", zap.Error(err))
	}

	e.monitor = netmon.New(netmon.Options{
		Probe:    opts.Probe,
		Interval: opts.ProbeInterval,
		Jitter:   opts.ProbeJitter,
		Logger:   log.Named("netmon"),
	})
	e.monitor.OnChange(func(online bool) { e.ui.SetOffline(!online) })
	e.monitor.OnReconnect(e.handleReconnect)

	if opts.Dialer != nil {
		e.channel = realtime.New(realtime.Options{
			Dialer:      opts.Dialer,
			Logger:      log.Named("realtime"),
			EventBuffer: opts.EventBuffer,
		})
		e.detachEvents = realtime.NewInvalidator(e.cache, log.Named("realtime")).Attach(e.channel)
	}
	return e, nil
}

func (e *Engine) UI() *uistate.Store        { return e.ui }
func (e *Engine) Queue() *queue.Queue        { return e.queue }
func (e *Engine) Cache() *cache.Cache        { return e.cache }
func (e *Engine) Monitor() *netmon.Monitor   { return e.monitor }
func (e *Engine) API() *apiclient.Client     { return e.api }
func (e *Engine) Channel() *realtime.Channel { return e.channel }
func (e *Engine) Session() auth.Session      { return e.session.Current() }

// Run supervises the network monitor, the realtime channel and the session
// watcher until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return e.monitor.Run(ctx) })
	if e.channel != nil {
		group.Go(func() error { return e.channel.Run(ctx) })
	}
	group.Go(func() error {
		err := e.session.Watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})
	return group.Wait()
}

func (e *Engine) QueuedMutations() []queue.QueuedMutation { return e.queue.List() }
func (e *Engine) Notices() []uistate.Notice               { return e.ui.Notices() }

func (e *Engine) Subscribe(buffer int) (<-chan uistate.Event, func()) {
	return e.ui.Subscribe(buffer)
}

// DropQueued discards a queued mutation without replaying it.
func (e *Engine) DropQueued(ctx context.Context, id string) (bool, error) {
	removed, err := e.queue.Remove(ctx, id)
	if removed {
		e.log.Info("queued mutation discarded", zap.String("mutation_id", id))
	}
	return removed, err
}

// ReportNetwork feeds a connectivity observation from outside the probe.
func (e *Engine) ReportNetwork(online bool) {
	e.monitor.Report(online)
}

// handleReconnect flushes the queue and only then marks every cached query
// stale, so refetches see the replayed writes.
func (e *Engine) handleReconnect(ctx context.Context) {
	report, err := e.FlushQueue(ctx)
	if err != nil {
		e.log.Warn("reconnect flush stopped", zap.Error(err))
	} else if report.Attempted > 0 {
		e.log.Info("reconnect flush finished",
			zap.Int("succeeded", report.Succeeded),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("dropped", report.Dropped),
		)
	}
	e.cache.InvalidateAll()
}

// FlushQueue runs one replay pass over the durable queue.
func (e *Engine) FlushQueue(ctx context.Context) (queue.FlushReport, error) {
	return e.queue.Flush(ctx, queue.ReplayFunc(e.replay))
}

func (e *Engine) Login(ctx context.Context, username, password string) (auth.Session, error) {
	session, err := e.authenticator.Login(ctx, username, password)
	if err != nil {
		return auth.Session{}, err
	}
	if err := e.session.Set(ctx, session); err != nil {
		return auth.Session{}, err
	}
	e.log.Info("logged in", zap.String("username", usernameOf(session)))

	// Writes held back by an expired session can go out now.
	if e.queue.Len() > 0 && e.monitor.Online() {
		if _, err := e.FlushQueue(ctx); err != nil {
			e.log.Warn("flush after login stopped", zap.Error(err))
		}
	}
	return e.session.Current(), nil
}

// Logout clears the session. Queued writes stay for the next login.
func (e *Engine) Logout(ctx context.Context) error {
	return e.session.Clear(ctx)
}

func (e *Engine) JoinSpot(ctx context.Context, spotID string) error {
	if e.channel == nil {
		return nil
	}
	return e.channel.JoinTopic(ctx, spotID)
}

func (e *Engine) LeaveSpot(ctx context.Context, spotID string) error {
	if e.channel == nil {
		return nil
	}
	return e.channel.LeaveTopic(ctx, spotID)
}

type Status struct {
	Online            bool                    `json:"online"`
	Authenticated     bool                    `json:"authenticated"`
	User              *auth.User              `json:"user,omitempty"`
	TokenExpiresAt    time.Time               `json:"tokenExpiresAt,omitempty"`
	Refresh           auth.RefreshState       `json:"refresh"`
	RefreshAttempts   int64                   `json:"refreshAttempts"`
	Pending           []uistate.PendingAction `json:"pending"`
	RealtimeConnected bool                    `json:"realtimeConnected"`
	Topics            []string                `json:"topics"`
}

func (e *Engine) Status() Status {
	session := e.session.Current()
	st := Status{
		Online:          e.monitor.Online(),
		Authenticated:   session.Authenticated(),
		User:            session.User,
		Refresh:         e.coordinator.State(),
		RefreshAttempts: e.coordinator.Attempts(),
		Pending:         e.ui.Pending(),
		Topics:          []string{},
	}
	if exp, ok := auth.TokenExpiry(session.AccessToken); ok {
		st.TokenExpiresAt = exp
	}
	if e.channel != nil {
		st.RealtimeConnected = e.channel.Connected()
		st.Topics = e.channel.Topics()
	}
	return st
}

// Close persists the query cache and closes storage. The queue is left as
// it is on disk.
func (e *Engine) Close(ctx context.Context) error {
	e.closeOnce.Do(func() {
		if e.detachEvents != nil {
			e.detachEvents()
		}
		e.closeErr = errs.Combine(
			e.cache.Save(ctx),
			e.kv.Close(),
		)
	})
	return e.closeErr
}

func usernameOf(s auth.Session) string {
	if s.User == nil {
		return ""
	}
	return s.User.Username
}
