// Command vigild is the process-1 (or per-user session) entry point: it
// parses flags, builds an internal/daemon.Daemon and runs it until
// SIGTERM/SIGINT, matching spec.md §1's "event-driven process supervisor
// and init daemon".
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/go-flags"

	"github.com/vigilinit/vigild/internal/daemon"
	"github.com/vigilinit/vigild/internal/logger"
)

type options struct {
	JobDir    string `long:"job-dir" description:"Directory of *.yaml job definitions to load at startup"`
	HTTPAddr  string `long:"http" description:"Address for the observability HTTP surface (metrics, status, watch); disabled if empty"`
	WatchRoot string `long:"watch-root" description:"Root directory for the inotify event bridge; disabled if empty"`
	Session   bool   `long:"session" description:"Run as a per-user session instance instead of the system instance"`
	Debug     bool   `long:"debug" description:"Enable debug logging (equivalent to VIGILD_DEBUG=1)"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vigild: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger.SetLogger(logger.New(os.Stderr, "[vigild] "))

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.ShortDescription = "Event-driven process supervisor and init daemon"
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil
		}
		return err
	}

	if opts.Debug {
		os.Setenv("VIGILD_DEBUG", "1")
	}

	socketPath, err := socketPathFor(opts.Session)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Config{
		SocketPath: socketPath,
		JobDir:     opts.JobDir,
		HTTPAddr:   opts.HTTPAddr,
		WatchRoot:  opts.WatchRoot,
	})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for s := range sig {
			logger.Noticef("Received %v, shutting down.", s)
			d.Stop()
			return
		}
	}()

	logger.Noticef("vigild listening on %s", socketPath)
	return d.Run()
}

// socketPathFor resolves the control socket path per spec.md §6: the
// system instance uses the well-known filesystem path; the per-user
// session instance uses $UPSTART_SESSION if the client already set one
// (e.g. a previous vigild for this session), else a fresh Linux abstract
// socket name net.Listen("unix", "@...") understands natively — no file
// to clean up on a crash, matching upstart's "@upstart" convention.
func socketPathFor(session bool) (string, error) {
	if !session {
		return "/var/run/upstart/socket", nil
	}
	if p := os.Getenv("UPSTART_SESSION"); p != "" {
		return p, nil
	}
	return fmt.Sprintf("@vigild-%d", os.Getuid()), nil
}
