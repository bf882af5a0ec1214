package uistate

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPendingActionLifecycle(t *testing.T) {
	s := New(Options{})
	s.AddPending(PendingAction{ID: "m1", Type: "createSpot", Label: "Spot creation"})
	s.AddPending(PendingAction{ID: "m2", Type: "updateWiki", Label: "Wiki edit"})

	pending := s.Pending()
	require.Len(t, pending, 2)
	require.Equal(t, StatusPending, pending[0].Status)
	require.Equal(t, "m1", pending[0].ID)

	require.True(t, s.UpdatePendingStatus("m1", StatusSyncing))
	require.Equal(t, StatusSyncing, s.Pending()[0].Status)
	require.False(t, s.UpdatePendingStatus("missing", StatusSyncing))

	require.True(t, s.RemovePending("m1"))
	require.False(t, s.RemovePending("m1"))
	require.Len(t, s.Pending(), 1)

	// Mutating the returned slice does not touch the store.
	s.Pending()[0].Status = StatusFailed
	require.Equal(t, StatusPending, s.Pending()[0].Status)
}

func TestNoticesAreBounded(t *testing.T) {
	s := New(Options{NoticeHistory: 3})
	for i := 0; i < 5; i++ {
		s.Notify(Notice{Kind: NoticeInfo, Message: fmt.Sprintf("n%d", i)})
	}
	notices := s.Notices()
	require.Len(t, notices, 3)
	require.Equal(t, "n2", notices[0].Message)
	require.Equal(t, LevelInfo, notices[0].Level)

	s.Notify(Notice{Kind: NoticeDropped, Message: "Spot creation dropped after 5 retries"})
	require.Equal(t, LevelError, s.Notices()[2].Level)
}

func TestSubscribe(t *testing.T) {
	s := New(Options{})
	events, cancel := s.Subscribe(8)

	s.SetOffline(true)
	s.SetOffline(true)
	s.AddPending(PendingAction{ID: "m1"})
	s.Notify(Notice{Kind: NoticeQueued, Message: "Spot creation queued for sync", MutationID: "m1"})

	next := func() Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(time.Second):
			t.Fatal("no event")
			return Event{}
		}
	}

	ev := next()
	require.Equal(t, EventOffline, ev.Kind)
	require.True(t, ev.Offline)

	ev = next()
	require.Equal(t, EventPending, ev.Kind)
	require.Len(t, ev.Pending, 1)

	ev = next()
	require.Equal(t, EventNotice, ev.Kind)
	require.Equal(t, "m1", ev.Notice.MutationID)

	cancel()
	cancel()
	_, open := <-events
	require.False(t, open)
	s.SetOffline(false)
}
