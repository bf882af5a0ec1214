package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRefreshFailed means the refresh endpoint rejected or could not
	// answer; the session has been cleared.
	ErrRefreshFailed = errs.Class("refresh failed")
	// ErrNoRefreshToken means there was nothing to refresh with.
	ErrNoRefreshToken = errs.Class("no refresh token")
)

const (
	refreshKey            = "refresh"
	defaultRefreshTimeout = 15 * time.Second
)

type RefreshState int32

const (
	Idle RefreshState = iota
	Refreshing
)

func (s RefreshState) String() string {
	if s == Refreshing {
		return "refreshing"
	}
	return "idle"
}

func (s RefreshState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

type CoordinatorOptions struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// Coordinator guarantees at most one refresh round-trip is in flight.
// Every caller that observes a 401 joins the in-flight refresh and gets
// the same outcome.
type Coordinator struct {
	store     *Store
	refresher Refresher
	timeout   time.Duration
	log       *zap.Logger

	group    singleflight.Group
	state    atomic.Int32
	attempts atomic.Int64
}

func NewCoordinator(store *Store, refresher Refresher, opts CoordinatorOptions) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRefreshTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		refresher: refresher,
		timeout:   opts.Timeout,
		log:       opts.Logger,
	}
}

func (c *Coordinator) State() RefreshState {
	return RefreshState(c.state.Load())
}

// Attempts is the number of refresh round-trips issued so far.
func (c *Coordinator) Attempts() int64 {
	return c.attempts.Load()
}

// Refresh returns a usable access token for a request that was rejected
// while carrying staleToken. If the session already moved past staleToken
// the current token is returned without a network call.
func (c *Coordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	if current := c.store.AccessToken(); current != "" && current != staleToken {
		return current, nil
	}

	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.refreshOnce(ctx, staleToken)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *Coordinator) refreshOnce(ctx context.Context, staleToken string) (string, error) {
	c.state.Store(int32(Refreshing))
	defer c.state.Store(int32(Idle))

	// The refresh outlives any single caller; a waiter giving up must not
	// abort it for the others.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	session := c.store.Current()
	if session.AccessToken != "" && session.AccessToken != staleToken {
		return session.AccessToken, nil
	}
	if session.RefreshToken == "" {
		if err := c.store.Clear(rctx); err != nil {
			c.log.Warn("clear auth session failed", zap.Error(err))
		}
		return "", ErrNoRefreshToken.New("session has no refresh token")
	}

	c.attempts.Add(1)
	next, err := c.refresher.Refresh(rctx, session.RefreshToken)
	if err != nil {
		c.log.Warn("token refresh failed", zap.Error(err))
		if clearErr := c.store.Clear(rctx); clearErr != nil {
			c.log.Warn("clear auth session failed", zap.Error(clearErr))
		}
		return "", ErrRefreshFailed.Wrap(err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = session.RefreshToken
	}
	if err := c.store.Set(rctx, next); err != nil {
		return "", err
	}
	c.log.Debug("token refreshed")
	return next.AccessToken, nil
}
