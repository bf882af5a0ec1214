// Package uistate is the surface the sync engine exposes to a UI: the
// offline flag, one PendingAction per queued mutation, and user notices.
package uistate

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

type PendingAction struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
	Status    Status    `json:"status"`
}

type NoticeKind string

const (
	NoticeQueued  NoticeKind = "queued"
	NoticeDropped NoticeKind = "dropped"
	NoticeFailed  NoticeKind = "failed"
	NoticeInfo    NoticeKind = "info"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Notice struct {
	Kind       NoticeKind `json:"kind"`
	Level      Level      `json:"level"`
	Message    string     `json:"message"`
	MutationID string     `json:"mutationId,omitempty"`
	At         time.Time  `json:"at"`
}

type EventKind string

const (
	EventOffline EventKind = "offline"
	EventPending EventKind = "pending"
	EventNotice  EventKind = "notice"
)

// Event tells a subscriber what changed. Offline and Pending always carry
// the state after the change.
type Event struct {
	Kind    EventKind
	Offline bool
	Pending []PendingAction
	Notice  *Notice
}

type Options struct {
	Logger *zap.Logger
	// NoticeHistory bounds the notices kept for Notices. Default 50.
	NoticeHistory int
	Now           func() time.Time
}

type Store struct {
	log          *zap.Logger
	historyLimit int
	now          func() time.Time

	mu      sync.Mutex
	offline bool
	pending []PendingAction
	notices []Notice
	subs    map[int]chan Event
	nextSub int
}

func New(opts Options) *Store {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NoticeHistory <= 0 {
		opts.NoticeHistory = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		log:          opts.Logger,
		historyLimit: opts.NoticeHistory,
		now:          opts.Now,
		subs:         make(map[int]chan Event),
	}
}

func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline == offline {
		return
	}
	s.offline = offline
	s.publishLocked(Event{Kind: EventOffline, Offline: offline, Pending: s.pendingLocked()})
}

func (s *Store) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// AddPending appends action. An action with the same id replaces the old one.
func (s *Store) AddPending(action PendingAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if action.Status == "" {
		action.Status = StatusPending
	}
	for i := range s.pending {
		if s.pending[i].ID == action.ID {
			s.pending[i] = action
			s.publishLocked(Event{Kind: EventPending, Offline: s.offline, Pending: s.pendingLocked()})
			return
		}
	}
	s.pending = append(s.pending, action)
	s.publishLocked(Event{Kind: EventPending, Offline: s.offline, Pending: s.pendingLocked()})
}

func (s *Store) UpdatePendingStatus(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].ID == id {
			if s.pending[i].Status != status {
				s.pending[i].Status = status
				s.publishLocked(Event{Kind: EventPending, Offline: s.offline, Pending: s.pendingLocked()})
			}
			return true
		}
	}
	return false
}

func (s *Store) RemovePending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pending {
		if s.pending[i].ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.publishLocked(Event{Kind: EventPending, Offline: s.offline, Pending: s.pendingLocked()})
			return true
		}
	}
	return false
}

func (s *Store) Pending() []PendingAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

// Notify records a user notice and logs it.
func (s *Store) Notify(notice Notice) {
	if notice.At.IsZero() {
		notice.At = s.now()
	}
	if notice.Level == "" {
		notice.Level = LevelInfo
		if notice.Kind == NoticeDropped || notice.Kind == NoticeFailed {
			notice.Level = LevelError
		}
	}

	fields := []zap.Field{zap.String("kind", string(notice.Kind)), zap.String("message", notice.Message)}
	if notice.MutationID != "" {
		fields = append(fields, zap.String("mutation_id", notice.MutationID))
	}
	if notice.Level == LevelError {
		s.log.Warn("notice", fields...)
	} else {
		s.log.Info("notice", fields...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, notice)
	if over := len(s.notices) - s.historyLimit; over > 0 {
		s.notices = append([]Notice(nil), s.notices[over:]...)
	}
	n := notice
	s.publishLocked(Event{Kind: EventNotice, Offline: s.offline, Pending: s.pendingLocked(), Notice: &n})
}

// Notices returns the retained notice history, oldest first.
func (s *Store) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}

// Subscribe delivers every change on a channel with the given buffer. A
// subscriber that falls behind misses events; the current state is always
// available from Pending and Offline.
func (s *Store) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) pendingLocked() []PendingAction {
	return append([]PendingAction(nil), s.pending...)
}

func (s *Store) publishLocked(event Event) {
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
