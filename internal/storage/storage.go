// Package storage roots a directory tree as an afero.Fs and exposes the
// path/existence/size/free-space queries the server and client drivers
// need around it. Reading, writing, and deleting files goes through the
// Fs field directly so the ARQ engines can run unmodified against either a
// real directory or an in-memory filesystem in tests.
package storage

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// Store is the filesystem surface the engines and drivers need. It is
// deliberately narrow: the protocol core never needs directory listings,
// permissions, or metadata beyond size.
type Store struct {
	Fs   afero.Fs
	Root string
}

// New returns a Store rooted at root on the real OS filesystem, creating the
// directory if it doesn't exist.
func New(root string) (*Store, error) {
	s := &Store{Fs: afero.NewOsFs(), Root: root}
	if err := s.Fs.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage: create root %s", root)
	}
	return s, nil
}

// NewMem returns a Store backed by an in-memory filesystem, for tests.
func NewMem(root string) *Store {
	fs := afero.NewMemMapFs()
	_ = fs.MkdirAll(root, 0o755)
	return &Store{Fs: fs, Root: root}
}

func (s *Store) path(name string) string {
	return s.Root + "/" + name
}

// Path returns the full filesystem path for name under the store's root,
// for callers (the ARQ engines) that need a path rather than an open handle.
func (s *Store) Path(name string) string {
	return s.path(name)
}

// Exists reports whether name is present under the store's root.
func (s *Store) Exists(name string) bool {
	ok, err := afero.Exists(s.Fs, s.path(name))
	return err == nil && ok
}

// Size returns the size in bytes of name.
func (s *Store) Size(name string) (int64, error) {
	info, err := s.Fs.Stat(s.path(name))
	if err != nil {
		return 0, errors.Wrapf(err, "storage: stat %s", name)
	}
	return info.Size(), nil
}

// FreeSpace reports the bytes free at the store's root. There is no
// portable afero equivalent of statfs, so this calls into the OS directly;
// callers backed by an in-memory Store get a large sentinel instead.
func (s *Store) FreeSpace() (uint64, error) {
	if _, ok := s.Fs.(*afero.MemMapFs); ok {
		return 1 << 40, nil // 1 TiB sentinel for tests
	}
	return freeSpace(s.Root)
}
