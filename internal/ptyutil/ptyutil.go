// Package ptyutil opens and configures the pseudo-terminal pair used by
// the ConsoleOwner console policy (spec.md §3): a job so configured gets
// a real tty rather than a pipe or the daemon's own stdout, the way
// upstart's "console owner" stanza hands the job the console device its
// owner is attached to. Adapted from the teacher's devpts-aware pty
// allocator, trimmed to the plain /dev/ptmx path — vigild never runs
// jobs inside a separate mount namespace, so the devpts-fd parameter the
// teacher threads through has no caller here.
package ptyutil

import (
	"fmt"
	"os"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// OpenPty creates a new pty/tty pair and puts both sides into a sane,
// non-raw default configuration with an 80x25 window.
func OpenPty() (ptmx *os.File, tty *os.File, err error) {
	ptmx, err = os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ptyutil: open /dev/ptmx: %w", err)
	}
	revert := true
	defer func() {
		if revert {
			ptmx.Close()
		}
	}()

	if err := unix.IoctlSetInt(int(ptmx.Fd()), unix.TIOCSPTLCK, 0); err != nil {
		return nil, nil, fmt.Errorf("ptyutil: unlock pty: %w", err)
	}

	n, err := unix.IoctlGetInt(int(ptmx.Fd()), unix.TIOCGPTN)
	if err != nil {
		return nil, nil, fmt.Errorf("ptyutil: get pty number: %w", err)
	}

	tty, err = os.OpenFile(fmt.Sprintf("/dev/pts/%d", n), os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("ptyutil: open tty side: %w", err)
	}
	defer func() {
		if revert {
			tty.Close()
		}
	}()

	for _, f := range []*os.File{ptmx, tty} {
		t, err := unix.IoctlGetTermios(int(f.Fd()), unix.TCGETS)
		if err != nil {
			return nil, nil, fmt.Errorf("ptyutil: get termios: %w", err)
		}
		t.Cflag |= unix.IMAXBEL | unix.IUTF8 | unix.BRKINT | unix.IXANY | unix.HUPCL
		if err := unix.IoctlSetTermios(int(f.Fd()), unix.TCSETS, t); err != nil {
			return nil, nil, fmt.Errorf("ptyutil: set termios: %w", err)
		}
		sz := &unix.Winsize{Col: 80, Row: 25}
		if err := unix.IoctlSetWinsize(int(f.Fd()), unix.TIOCSWINSZ, sz); err != nil {
			return nil, nil, fmt.Errorf("ptyutil: set window size: %w", err)
		}
	}

	revert = false
	return ptmx, tty, nil
}

// MakeRaw puts the terminal connected to fd into raw mode (no echo, no
// line buffering): the servicelog tail should see exactly the bytes the
// job wrote, not a line-edited tty session.
func MakeRaw(fd int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("ptyutil: get termios: %w", err)
	}
	termios.Cfmakeraw(t)
	if err := termios.Tcsetattr(uintptr(fd), termios.TCSANOW, t); err != nil {
		return fmt.Errorf("ptyutil: set attr: %w", err)
	}
	return nil
}
