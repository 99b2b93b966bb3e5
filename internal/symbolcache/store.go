// Package symbolcache is the on-disk store for downloaded PDBs, keyed the
// way the symbol-store URL scheme keys them: one raw byte file per
// (pdb_file_name, guid) pair under a root cache directory. A background
// filesystem watch keeps an in-memory presence index in sync with files
// dropped in or removed by anything else sharing the directory, so a
// long-lived process never has to re-stat the filesystem on every lookup.
package symbolcache

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/orizon-lang/memflow/internal/memlog"
	"github.com/orizon-lang/memflow/internal/runtime/vfs"
)

// DefaultCacheDirName is the directory created under the user's home
// directory for cached PDBs.
const DefaultCacheDirName = ".memflow/cache"

// Store implements pdb.Cache over a directory tree of
// {root}/{pdb_file_name}/{guid} files.
type Store struct {
	root string
	fs   vfs.FileSystem

	mu      sync.RWMutex
	present map[string]bool // "{pdb_file_name}/{guid}" -> file known present

	watcher vfs.Watcher
	closed  chan struct{}
}

// New returns a Store rooted at root. If root is empty, it resolves to
// $HOME/.memflow/cache (or the OS equivalent via os.UserHomeDir).
func New(root string) (*Store, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}

		root = filepath.Join(home, DefaultCacheDirName)
	}

	fsys := vfs.NewOS()

	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}

	s := &Store{root: root, fs: fsys, present: map[string]bool{}, closed: make(chan struct{})}

	if err := s.scan(); err != nil {
		return nil, err
	}

	w, err := vfs.NewFSWatcher()
	if err != nil {
		// A cache that can't watch itself for external changes still works;
		// it just falls back to trusting its own in-memory index exclusively.
		memlog.Warnf("symbolcache: filesystem watch unavailable (%v); external cache changes won't be detected", err)

		return s, nil
	}

	s.watcher = w

	if err := w.Add(root); err != nil {
		memlog.Warnf("symbolcache: watching %s failed: %v", root, err)
	}

	s.watchExistingSubdirs()

	go s.watchLoop()

	return s, nil
}

func (s *Store) key(pdbFileName, guid string) string { return filepath.Join(pdbFileName, guid) }

func (s *Store) path(pdbFileName, guid string) string {
	return filepath.Join(s.root, pdbFileName, guid)
}

// watchExistingSubdirs adds a watch on every pdb_file_name directory already
// present at startup, since the underlying watch is not recursive and Store
// otherwise only ever learns about subdirectories created after it starts.
func (s *Store) watchExistingSubdirs() {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			if err := s.watcher.Add(filepath.Join(s.root, e.Name())); err != nil {
				memlog.Warnf("symbolcache: watching %s failed: %v", e.Name(), err)
			}
		}
	}
}

func (s *Store) scan() error {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		return err
	}

	for _, dirEnt := range entries {
		if !dirEnt.IsDir() {
			continue
		}

		guids, err := s.fs.ReadDir(filepath.Join(s.root, dirEnt.Name()))
		if err != nil {
			continue
		}

		for _, g := range guids {
			if g.IsDir() {
				continue
			}

			s.present[s.key(dirEnt.Name(), g.Name())] = true
		}
	}

	return nil
}

// Get returns the cached PDB bytes for pdbFileName/guid, if present.
func (s *Store) Get(pdbFileName, guid string) ([]byte, bool) {
	s.mu.RLock()
	known := s.present[s.key(pdbFileName, guid)]
	s.mu.RUnlock()

	if !known {
		return nil, false
	}

	data, err := s.readFile(s.path(pdbFileName, guid))
	if err != nil {
		// The index said present but the read failed: treat as a cache miss
		// and drop the stale index entry rather than surface a read error up
		// through what callers expect to be a simple hit/miss lookup.
		s.mu.Lock()
		delete(s.present, s.key(pdbFileName, guid))
		s.mu.Unlock()

		return nil, false
	}

	return data, true
}

func (s *Store) readFile(path string) ([]byte, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return io.ReadAll(f)
}

// Put writes data to the cache path for pdbFileName/guid.
func (s *Store) Put(pdbFileName, guid string, data []byte) error {
	dir := filepath.Join(s.root, pdbFileName)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := s.fs.Create(s.path(pdbFileName, guid))
	if err != nil {
		return err
	}

	_, writeErr := f.Write(data)
	closeErr := f.Close()

	if writeErr != nil {
		return writeErr
	}

	if closeErr != nil {
		return closeErr
	}

	s.mu.Lock()
	s.present[s.key(pdbFileName, guid)] = true
	s.mu.Unlock()

	return nil
}

// watchLoop keeps the presence index in sync with filesystem changes made
// outside this Store (another process populating or pruning the shared
// cache directory).
func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events():
			if !ok {
				return
			}

			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors():
			if !ok {
				return
			}

			memlog.Warnf("symbolcache: watch error: %v", err)
		case <-s.closed:
			return
		}
	}
}

func (s *Store) handleEvent(ev vfs.Event) {
	rel, err := filepath.Rel(s.root, ev.Path)
	if err != nil {
		return
	}

	dir := filepath.Dir(rel)
	if dir == "." {
		// A change directly under root is a pdb_file_name directory being
		// created or removed, not a cache entry; nothing to index yet.
		if ev.Op&vfs.OpCreate != 0 {
			_ = s.watcher.Add(ev.Path)
		}

		return
	}

	key := filepath.Join(dir, filepath.Base(rel))

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case ev.Op&(vfs.OpRemove|vfs.OpRename) != 0:
		delete(s.present, key)
	case ev.Op&(vfs.OpCreate|vfs.OpWrite) != 0:
		s.present[key] = true
	}
}

// Close stops the background filesystem watch.
func (s *Store) Close() error {
	close(s.closed)

	if s.watcher != nil {
		return s.watcher.Close()
	}

	return nil
}
