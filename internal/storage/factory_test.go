package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildFromDSNMemory(t *testing.T) {
	kv, err := BuildFromDSN("memory://")
	require.NoError(t, err)
	require.IsType(t, &MemoryKV{}, kv)
}

func TestBuildFromDSNFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	kv, err := BuildFromDSN("file://" + dir)
	require.NoError(t, err)
	fileKV, ok := kv.(*FileKV)
	require.True(t, ok)
	require.Equal(t, dir, fileKV.Dir())

	bare, err := BuildFromDSN(dir)
	require.NoError(t, err)
	require.IsType(t, &FileKV{}, bare)
}

func TestBuildFromDSNSQLBackends(t *testing.T) {
	pg, err := BuildFromDSN("postgres://localhost/spotsync?sslmode=disable")
	require.NoError(t, err, "postgres store is created lazily and must not dial here")
	require.IsType(t, &SQLKV{}, pg)

	lite, err := BuildFromDSN("sqlite://" + filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	require.IsType(t, &SQLKV{}, lite)
}

func TestBuildFromDSNRejectsUnsupportedScheme(t *testing.T) {
	_, err := BuildFromDSN("redis://localhost:6379/0")
	require.Error(t, err)
	require.True(t, ErrNotImplemented.Has(err))

	_, err = BuildFromDSN("gopher://example")
	require.Error(t, err)
	require.False(t, ErrNotImplemented.Has(err))

	_, err = BuildFromDSN("   ")
	require.True(t, ErrInvalidInput.Has(err))
}

func TestRegisterFactory(t *testing.T) {
	scheme := "kvtestcustom"
	calls := 0
	RegisterFactory(scheme, func(dsn string) (KV, error) {
		calls++
		return NewMemoryKV(), nil
	})
	kv, err := BuildFromDSN(scheme + "://example")
	require.NoError(t, err)
	require.NotNil(t, kv)
	require.Equal(t, 1, calls)
}
