// Package bridge defines the contract external notification sources use to
// feed events into the dispatcher (SPEC_FULL.md §6's "Event bridge
// contract"), plus one concrete collaborator backed by inotify. It plays
// the role upstart's dconf bridge plays: translating some external signal
// into a plain emit() call, without knowing anything about jobs or the
// state machine.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/vigilinit/vigild/internal/logger"
)

// Emitter is the single call a bridge makes into the daemon. It is
// satisfied by *dispatcher.Dispatcher.
type Emitter interface {
	Emit(name string, env []string)
}

// FSBridge watches a fixed, absolute root directory for file writes and
// emits "<basename>-changed" for each watched path that changes.
//
// Path joining is deliberately one-directional: the root is fixed at
// construction and every subsequent Watch call takes a path that must
// already be relative and clean. FSBridge never concatenates two
// unanchored fragments on the caller's behalf (spec.md §9's open
// question) — a watch path that tries to escape the root, or that
// collides with it on a leading/trailing separator, is rejected rather
// than guessed at.
type FSBridge struct {
	root    string
	emitter Emitter

	fd   int
	file *os.File

	mu      sync.Mutex
	watches map[string]int
	paths   map[int]string

	done   chan struct{}
	closed chan struct{}
}

// NewFSBridge opens an inotify instance rooted at root, which must be an
// absolute path. Nothing is watched until Watch is called.
func NewFSBridge(root string, emitter Emitter) (*FSBridge, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("bridge: watch root %q must be absolute", root)
	}
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("bridge: init inotify: %w", err)
	}
	file := os.NewFile(uintptr(fd), "inotify")
	if file == nil {
		unix.Close(fd)
		return nil, errors.New("bridge: invalid inotify file descriptor")
	}
	b := &FSBridge{
		root:    filepath.Clean(root),
		emitter: emitter,
		fd:      fd,
		file:    file,
		watches: make(map[string]int),
		paths:   make(map[int]string),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go b.readEvents()
	return b, nil
}

// Watch starts watching rel, a path relative to the bridge's root. rel
// must be clean and must not escape the root — no "..", no leading
// separator. Submitting an absolute path or one that walks out of root
// fails closed instead of being silently joined.
func (b *FSBridge) Watch(rel string) error {
	if rel == "" {
		return errors.New("bridge: watch path must not be empty")
	}
	if filepath.IsAbs(rel) {
		return fmt.Errorf("bridge: watch path %q must be relative to the bridge root", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("bridge: watch path %q escapes the bridge root", rel)
	}
	full := filepath.Join(b.root, clean)
	if !strings.HasPrefix(full, b.root+string(os.PathSeparator)) && full != b.root {
		return fmt.Errorf("bridge: watch path %q resolves outside the bridge root", rel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watches[full]; ok {
		return nil
	}
	wd, err := unix.InotifyAddWatch(b.fd, full, unix.IN_MODIFY|unix.IN_CLOSE_WRITE|unix.IN_DELETE_SELF)
	if err != nil {
		return fmt.Errorf("bridge: watch %q: %w", full, err)
	}
	b.watches[full] = wd
	b.paths[wd] = full
	return nil
}

// Unwatch stops watching rel, matched the same way Watch resolved it.
func (b *FSBridge) Unwatch(rel string) error {
	full := filepath.Join(b.root, filepath.Clean(rel))
	b.mu.Lock()
	defer b.mu.Unlock()
	wd, ok := b.watches[full]
	if !ok {
		return fmt.Errorf("bridge: %q is not watched", rel)
	}
	if success, err := unix.InotifyRmWatch(b.fd, uint32(wd)); success == -1 {
		return fmt.Errorf("bridge: unwatch %q: %w", full, err)
	}
	delete(b.watches, full)
	delete(b.paths, wd)
	return nil
}

// Close stops the watcher goroutine and releases the inotify descriptor.
func (b *FSBridge) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	<-b.closed
	return nil
}

func (b *FSBridge) readEvents() {
	defer close(b.closed)

	go func() {
		<-b.done
		b.file.Close()
	}()

	buf := make([]byte, unix.SizeofInotifyEvent+unix.PathMax)
	for {
		select {
		case <-b.done:
			return
		default:
		}

		n, err := b.file.Read(buf[:unix.SizeofInotifyEvent])
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) {
				return
			}
			logger.Noticef("bridge: inotify read: %v", err)
			continue
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}

		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[0]))
		mask := raw.Mask

		b.mu.Lock()
		path, ok := b.paths[int(raw.Wd)]
		if ok && mask&unix.IN_DELETE_SELF == unix.IN_DELETE_SELF {
			delete(b.paths, int(raw.Wd))
			delete(b.watches, path)
		}
		b.mu.Unlock()

		if !ok {
			continue
		}
		if mask&(unix.IN_MODIFY|unix.IN_CLOSE_WRITE) == 0 {
			continue
		}

		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "-changed"
		b.emitter.Emit(name, []string{"PATH=" + path})
	}
}
