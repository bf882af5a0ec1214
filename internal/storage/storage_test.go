package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func exerciseKV(t *testing.T, kv KV) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := kv.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, kv.Put(ctx, QueueKey, []byte(`[{"id":"a"}]`)))
	value, ok, err := kv.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"id":"a"}]`, string(value))

	require.NoError(t, kv.Put(ctx, QueueKey, []byte(`[]`)))
	value, ok, err = kv.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[]`, string(value))

	require.NoError(t, kv.Delete(ctx, QueueKey))
	_, ok, err = kv.Get(ctx, QueueKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryKV(t *testing.T) {
	exerciseKV(t, NewMemoryKV())
}

func TestMemoryKVReturnsCopies(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()
	original := []byte("abc")
	require.NoError(t, kv.Put(ctx, AuthKey, original))
	original[0] = 'z'

	value, _, err := kv.Get(ctx, AuthKey)
	require.NoError(t, err)
	require.Equal(t, "abc", string(value))
}

func TestFileKVOnMemMapFs(t *testing.T) {
	kv, err := NewFileKV(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	exerciseKV(t, kv)
}

func TestFileKVRejectsPathKeys(t *testing.T) {
	kv, err := NewFileKV(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	err = kv.Put(context.Background(), "../escape", []byte("x"))
	require.Error(t, err)
	require.True(t, ErrInvalidInput.Has(err))
}

func TestFileKVPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(afero.NewOsFs(), dir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(context.Background(), QueueKey, []byte(`[1,2]`)))

	reopened, err := NewFileKV(afero.NewOsFs(), dir)
	require.NoError(t, err)
	value, ok, err := reopened.Get(context.Background(), QueueKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `[1,2]`, string(value))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSQLiteKV(t *testing.T) {
	kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "spotsync.db"))
	require.NoError(t, err)
	defer func() { require.NoError(t, kv.Close()) }()
	exerciseKV(t, kv)
}

func TestFileKVWatchReportsExternalWrites(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(afero.NewOsFs(), dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	changed := make(chan struct{}, 8)
	done := make(chan error, 1)
	go func() {
		done <- kv.Watch(ctx, AuthKey, func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	other, err := NewFileKV(afero.NewOsFs(), dir)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_ = other.Put(context.Background(), AuthKey, []byte(`{}`))
		select {
		case <-changed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFileKVWatchRequiresOsFs(t *testing.T) {
	kv, err := NewFileKV(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	err = kv.Watch(context.Background(), AuthKey, func() {})
	require.True(t, ErrNotImplemented.Has(err))
}
