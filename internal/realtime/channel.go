// Package realtime keeps a push connection to the backend, tracks which
// topics the client listens to and fans incoming events out to handlers.
package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Error = errs.Class("realtime")

// Frame is one message on the wire: {"event": name, "data": payload}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Conn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, frame Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

type Options struct {
	Dialer Dialer
	Logger *zap.Logger
	// TopicPrefix names the join/leave events: "<prefix>:join".
	TopicPrefix  string
	EventBuffer  int
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

type Channel struct {
	dialer       Dialer
	log          *zap.Logger
	joinEvent    string
	leaveEvent   string
	minBackoff   time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	topics   map[string]int
	conn     Conn
	handlers map[string]map[int]func(Frame)
	nextID   int

	events    chan Frame
	connected atomic.Bool
}

func New(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "spot"
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		dialer:       opts.Dialer,
		log:          opts.Logger,
		joinEvent:    opts.TopicPrefix + ":join",
		leaveEvent:   opts.TopicPrefix + ":leave",
		minBackoff:   opts.MinBackoff,
		maxBackoff:   opts.MaxBackoff,
		writeTimeout: opts.WriteTimeout,
		topics:       make(map[string]int),
		handlers:     make(map[string]map[int]func(Frame)),
		events:       make(chan Frame, opts.EventBuffer),
	}
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// JoinTopic adds one interest in topic. Only the first interest is sent to
// the server; membership survives reconnects.
func (c *Channel) JoinTopic(ctx context.Context, topic string) error {
	if topic == "" {
		return Error.New("empty topic")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics[topic]++
	if c.topics[topic] != 1 || c.conn == nil {
		return nil
	}
	return c.sendLocked(ctx, Frame{Event: c.joinEvent, Data: topicData(topic)})
}

// LeaveTopic drops one interest in topic; the server is told when the last
// one goes away.
func (c *Channel) LeaveTopic(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs, ok := c.topics[topic]
	if !ok {
		return nil
	}
	if refs > 1 {
		c.topics[topic] = refs - 1
		return nil
	}
	delete(c.topics, topic)
	if c.conn == nil {
		return nil
	}
	return c.sendLocked(ctx, Frame{Event: c.leaveEvent, Data: topicData(topic)})
}

// Topics returns the active topics in sorted order.
func (c *Channel) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// OnEvent registers handler for frames named event. Handlers run on the
// dispatcher goroutine one at a time. The returned func unregisters it.
func (c *Channel) OnEvent(event string, handler func(Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]func(Frame))
	}
	c.handlers[event][id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
		if len(c.handlers[event]) == 0 {
			delete(c.handlers, event)
		}
	}
}

// Run connects, reconnects with backoff and dispatches events until ctx is
// done.
func (c *Channel) Run(ctx context.Context) error {
	if c.dialer == nil {
		return Error.New("no dialer configured")
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		c.dispatch(ctx)
		return nil
	})
	group.Go(func() error {
		c.connectLoop(ctx)
		return nil
	})
	return group.Wait()
}

func (c *Channel) connectLoop(ctx context.Context) {
	backoff := c.minBackoff
	for {
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("realtime dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.maxBackoff)
			continue
		}
		backoff = c.minBackoff

		if err := c.attach(ctx, conn); err != nil {
			c.log.Warn("realtime rejoin failed", zap.Error(err))
		} else {
			c.log.Info("realtime connected")
			err = c.readLoop(ctx, conn)
			if ctx.Err() == nil {
				c.log.Info("realtime disconnected", zap.Error(err))
			}
		}
		c.detach(conn)
		if ctx.Err() != nil {
			return
		}
		if !sleep(ctx, backoff) {
			return
		}
	}
}

// attach makes conn current and re-joins every active topic on it.
func (c *Channel) attach(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	for topic := range c.topics {
		if err := c.sendLocked(ctx, Frame{Event: c.joinEvent, Data: topicData(topic)}); err != nil {
			return err
		}
		c.log.Debug("joined topic", zap.String("topic", topic))
	}
	c.connected.Store(true)
	return nil
}

func (c *Channel) detach(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	c.connected.Store(false)
	_ = conn.Close()
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) error {
	for {
		frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if frame.Event == "" {
			continue
		}
		select {
		case c.events <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.events:
			c.mu.Lock()
			handlers := make([]func(Frame), 0, len(c.handlers[frame.Event]))
			for _, h := range c.handlers[frame.Event] {
				handlers = append(handlers, h)
			}
			c.mu.Unlock()
			for _, h := range handlers {
				h(frame)
			}
		}
	}
}

func (c *Channel) sendLocked(ctx context.Context, frame Frame) error {
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.conn.Write(wctx, frame); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func topicData(topic string) json.RawMessage {
	data, _ := json.Marshal(topic)
	return data
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
