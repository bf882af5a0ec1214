// Package queue is the durable mutation queue. Writes that failed with a
// transient error are persisted here and replayed in FIFO order when
// connectivity returns.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/apiclient"
	"github.com/agentworkforce/spotsync/internal/mutation"
	"github.com/agentworkforce/spotsync/internal/storage"
	"github.com/agentworkforce/spotsync/internal/uistate"
)

// MaxRetries is the number of failed replays after which a mutation is
// dropped with a notice.
const MaxRetries = 5

var (
	Error = errs.Class("queue")
	// ErrCeilingExceeded marks a mutation dropped after MaxRetries failed replays.
	ErrCeilingExceeded = errs.Class("queue ceiling exceeded")
)

type QueuedMutation struct {
	ID            string          `json:"id"`
	OperationType mutation.Type   `json:"type"`
	Label         string          `json:"label"`
	Endpoint      string          `json:"endpoint"`
	Method        string          `json:"method"`
	Body          json.RawMessage `json:"body,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	RetryCount    int             `json:"retryCount"`
}

// Replayer sends one queued mutation. Its error is classified with
// apiclient.Classify.
type Replayer interface {
	Replay(ctx context.Context, m QueuedMutation) error
}

type ReplayFunc func(ctx context.Context, m QueuedMutation) error

func (f ReplayFunc) Replay(ctx context.Context, m QueuedMutation) error { return f(ctx, m) }

// Projection is where the queue mirrors its items as PendingActions and
// reports notices.
type Projection interface {
	AddPending(action uistate.PendingAction)
	UpdatePendingStatus(id string, status uistate.Status) bool
	RemovePending(id string) bool
	Notify(notice uistate.Notice)
}

type Options struct {
	UI         Projection
	Logger     *zap.Logger
	MaxRetries int
	Now        func() time.Time
}

type FlushReport struct {
	Attempted int
	Succeeded int
	Retried   int
	Failed    int
	Dropped   int
	// Aborted is set when the pass stopped early on an unauthenticated
	// replay or a cancelled context.
	Aborted bool
}

type Queue struct {
	kv         storage.KV
	key        string
	ui         Projection
	log        *zap.Logger
	maxRetries int
	now        func() time.Time

	mu      sync.Mutex
	items   []QueuedMutation
	entropy *ulid.MonotonicEntropy

	flushMu sync.Mutex
}

type nopProjection struct{}

func (nopProjection) AddPending(uistate.PendingAction)                 {}
func (nopProjection) UpdatePendingStatus(string, uistate.Status) bool { return false }
func (nopProjection) RemovePending(string) bool                        { return false }
func (nopProjection) Notify(uistate.Notice)                            {}

// Open loads the persisted queue and projects every item as a pending
// action before returning.
func Open(ctx context.Context, kv storage.KV, opts Options) (*Queue, error) {
	if kv == nil {
		return nil, Error.New("storage is required")
	}
	if opts.UI == nil {
		opts.UI = nopProjection{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = MaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		kv:         kv,
		key:        storage.QueueKey,
		ui:         opts.UI,
		log:        opts.Logger,
		maxRetries: opts.MaxRetries,
		now:        opts.Now,
		items:      []QueuedMutation{},
		entropy:    ulid.Monotonic(rand.Reader, 0),
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	for _, m := range q.items {
		q.ui.AddPending(pendingAction(m))
	}
	if len(q.items) > 0 {
		q.log.Info("restored offline queue", zap.Int("depth", len(q.items)))
	}
	return q, nil
}

// Enqueue persists enc as a new queued mutation. The item is durable when
// Enqueue returns without error.
func (q *Queue) Enqueue(ctx context.Context, enc mutation.Encoded) (QueuedMutation, error) {
	q.mu.Lock()
	now := q.now()
	id, err := ulid.New(ulid.Timestamp(now), q.entropy)
	if err != nil {
		q.mu.Unlock()
		return QueuedMutation{}, Error.Wrap(err)
	}
	m := QueuedMutation{
		ID:            id.String(),
		OperationType: enc.Type,
		Label:         enc.Label,
		Endpoint:      enc.Endpoint,
		Method:        enc.Method,
		Body:          append(json.RawMessage(nil), enc.Body...),
		Timestamp:     now,
	}
	next := append(append([]QueuedMutation(nil), q.items...), m)
	if err := q.saveLocked(ctx, next); err != nil {
		q.mu.Unlock()
		return QueuedMutation{}, err
	}
	q.items = next
	q.ui.AddPending(pendingAction(m))
	q.mu.Unlock()

	q.log.Info("mutation queued",
		zap.String("mutation_id", m.ID),
		zap.String("type", string(m.OperationType)),
		zap.String("endpoint", m.Endpoint),
	)
	q.ui.Notify(uistate.Notice{
		Kind:       uistate.NoticeQueued,
		Message:    m.Label + " queued for sync",
		MutationID: m.ID,
	})
	return m, nil
}

func (q *Queue) List() []QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMutation, len(q.items))
	copy(out, q.items)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove deletes the item with id and its pending action.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(ctx, id)
}

// Flush replays a snapshot of the queue in FIFO order. Items enqueued
// during the pass wait for the next one. Passes never overlap.
func (q *Queue) Flush(ctx context.Context, r Replayer) (FlushReport, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var report FlushReport
	snapshot := q.List()
	if len(snapshot) == 0 {
		return report, nil
	}
	q.log.Debug("flushing offline queue", zap.Int("depth", len(snapshot)))

	for _, m := range snapshot {
		if err := ctx.Err(); err != nil {
			report.Aborted = true
			return report, err
		}
		if !q.markSyncing(m.ID) {
			continue
		}
		report.Attempted++

		err := q.replay(ctx, r, m)
		switch apiclient.Classify(err) {
		case apiclient.Success:
			if _, rmErr := q.Remove(ctx, m.ID); rmErr != nil {
				return report, rmErr
			}
			report.Succeeded++
			q.log.Info("queued mutation synced", zap.String("mutation_id", m.ID), zap.String("type", string(m.OperationType)))

		case apiclient.Permanent:
			if _, rmErr := q.Remove(ctx, m.ID); rmErr != nil {
				return report, rmErr
			}
			report.Failed++
			q.log.Warn("queued mutation rejected", zap.String("mutation_id", m.ID), zap.Error(err))
			q.ui.Notify(uistate.Notice{
				Kind:       uistate.NoticeFailed,
				Message:    m.Label + " failed: cannot sync",
				MutationID: m.ID,
			})

		case apiclient.Unauthenticated:
			q.ui.UpdatePendingStatus(m.ID, uistate.StatusPending)
			report.Aborted = true
			q.log.Warn("offline queue flush stopped: not authenticated", zap.String("mutation_id", m.ID))
			return report, err

		default:
			if ctx.Err() != nil {
				q.ui.UpdatePendingStatus(m.ID, uistate.StatusPending)
				report.Aborted = true
				return report, ctx.Err()
			}
			dropped, chargeErr := q.chargeRetry(ctx, m.ID)
			if chargeErr != nil {
				return report, chargeErr
			}
			if dropped {
				report.Dropped++
				q.log.Warn("queued mutation dropped",
					zap.String("mutation_id", m.ID),
					zap.Error(ErrCeilingExceeded.New("%s after %d retries", m.OperationType, q.maxRetries)),
					zap.NamedError("last_error", err),
				)
				q.ui.Notify(uistate.Notice{
					Kind:       uistate.NoticeDropped,
					Message:    m.Label + " dropped after " + strconv.Itoa(q.maxRetries) + " retries",
					MutationID: m.ID,
				})
			} else {
				report.Retried++
				q.log.Debug("queued mutation kept for retry", zap.String("mutation_id", m.ID), zap.Error(err))
			}
		}
	}
	return report, nil
}

// replay re-validates the stored body before sending it; an item that no
// longer validates is never sent.
func (q *Queue) replay(ctx context.Context, r Replayer, m QueuedMutation) error {
	if _, err := mutation.Decode(m.OperationType, m.Endpoint, m.Body); err != nil {
		return apiclient.ErrPermanent.Wrap(err)
	}
	return r.Replay(ctx, m)
}

func (q *Queue) markSyncing(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.indexLocked(id) < 0 {
		return false
	}
	q.ui.UpdatePendingStatus(id, uistate.StatusSyncing)
	return true
}

// chargeRetry increments the retry count of id, dropping it once the count
// reaches the ceiling.
func (q *Queue) chargeRetry(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(id)
	if idx < 0 {
		return false, nil
	}
	if q.items[idx].RetryCount+1 >= q.maxRetries {
		if _, err := q.removeLocked(ctx, id); err != nil {
			return false, err
		}
		return true, nil
	}
	next := append([]QueuedMutation(nil), q.items...)
	next[idx].RetryCount++
	if err := q.saveLocked(ctx, next); err != nil {
		return false, err
	}
	q.items = next
	q.ui.UpdatePendingStatus(id, uistate.StatusPending)
	return false, nil
}

func (q *Queue) removeLocked(ctx context.Context, id string) (bool, error) {
	idx := q.indexLocked(id)
	if idx < 0 {
		return false, nil
	}
	next := make([]QueuedMutation, 0, len(q.items)-1)
	next = append(next, q.items[:idx]...)
	next = append(next, q.items[idx+1:]...)
	if err := q.saveLocked(ctx, next); err != nil {
		return false, err
	}
	q.items = next
	q.ui.RemovePending(id)
	return true, nil
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) load(ctx context.Context) error {
	data, ok, err := q.kv.Get(ctx, q.key)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ok || len(data) == 0 {
		return nil
	}
	var items []QueuedMutation
	if err := json.Unmarshal(data, &items); err != nil {
		return Error.Wrap(err)
	}
	if items != nil {
		q.items = items
	}
	return nil
}

func (q *Queue) saveLocked(ctx context.Context, items []QueuedMutation) error {
	if items == nil {
		items = []QueuedMutation{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(q.kv.Put(ctx, q.key, data))
}

func pendingAction(m QueuedMutation) uistate.PendingAction {
	return uistate.PendingAction{
		ID:        m.ID,
		Type:      string(m.OperationType),
		Label:     m.Label,
		Timestamp: m.Timestamp,
		Status:    uistate.StatusPending,
	}
}
