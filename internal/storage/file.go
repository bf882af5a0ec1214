package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// FileKV stores each key as <dir>/<key>.json. Writes go through a temp file
// and a rename so a crash never leaves a half-written document behind.
type FileKV struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

func NewFileKV(fs afero.Fs, dir string) (*FileKV, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput.New("file store directory is required")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, Error.Wrap(err)
	}
	return &FileKV{fs: fs, dir: filepath.Clean(dir)}, nil
}

func (f *FileKV) Dir() string {
	return f.dir
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return nil, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := afero.ReadFile(f.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, Error.Wrap(err)
	}
	return data, true, nil
}

func (f *FileKV) Put(_ context.Context, key string, value []byte) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return Error.Wrap(writeFileAtomic(f.fs, path, value, 0o600))
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	path, err := f.pathFor(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Error.Wrap(err)
	}
	return nil
}

func (f *FileKV) Close() error {
	return nil
}

func (f *FileKV) pathFor(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", ErrInvalidInput.New("invalid key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

func writeFileAtomic(fs afero.Fs, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpFile, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
