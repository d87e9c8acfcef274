// Package cleanup tracks the transient resources a run creates (mounts,
// temp files, temp directories) and guarantees their removal on every exit
// path, including signals. Committed device state (partitions, written
// images) is never registered here.
package cleanup

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/archlive/live-media-writer/internal/util"
)

type entryKind int

const (
	kindMount entryKind = iota + 1
	kindFile
	kindDir
)

type entry struct {
	kind entryKind
	path string
}

// Registry remembers resources in registration order and unwinds them in
// reverse, newest dependents first. The unwind runs exactly once, a
// second or re-entrant invocation is a no-op.
type Registry struct {
	mu      sync.Mutex
	entries []entry

	unwound atomic.Bool
}

func New() *Registry {
	return &Registry{}
}

// RegisterMount records a mountpoint to be unmounted at unwind.
func (r *Registry) RegisterMount(mountpoint string) {
	r.register(entry{kind: kindMount, path: mountpoint})
}

// RegisterFile records a file to be deleted at unwind.
func (r *Registry) RegisterFile(path string) {
	r.register(entry{kind: kindFile, path: path})
}

// RegisterDir records a directory subtree to be deleted at unwind.
func (r *Registry) RegisterDir(path string) {
	r.register(entry{kind: kindDir, path: path})
}

func (r *Registry) register(e entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

// Unregister drops the entry for path without removing anything. Used
// when ownership transfers, e.g. a temp file that moved into its final
// position.
func (r *Registry) Unregister(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.entries) - 1; i >= 0; i-- {
		if r.entries[i].path == path {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Unwind removes every still-registered resource in reverse registration
// order. Failures are logged, never returned: cleanup is best effort and
// must not mask the error that triggered it.
func (r *Registry) Unwind() {
	if !r.unwound.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch e.kind {
		case kindMount:
			if !isMountpoint(e.path) {
				continue
			}
			if err := unmount(e.path); err != nil {
				logrus.WithError(err).Warnf("cleanup: cannot unmount %s", e.path)
			}
		case kindFile:
			if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
				logrus.WithError(err).Warnf("cleanup: cannot remove %s", e.path)
			}
		case kindDir:
			if err := os.RemoveAll(e.path); err != nil {
				logrus.WithError(err).Warnf("cleanup: cannot remove %s", e.path)
			}
		}
	}
}

var (
	isMountpoint = util.IsMountpoint

	unmount = func(mountpoint string) error {
		return util.RunCmdQuiet("umount", mountpoint)
	}
)
