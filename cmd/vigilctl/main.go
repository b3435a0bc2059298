// Command vigilctl is the CLI surface spec.md §6 describes as an
// "external collaborator": start/stop/status/list/emit/reload/remove
// subcommands that speak the control-socket wire protocol through the
// client package. It renders nothing the core cares about — output
// formatting is explicitly out of the core's scope (spec.md §1).
package main

import (
	"fmt"
	"os"

	"github.com/canonical/go-flags"

	"github.com/vigilinit/vigild/client"
	"github.com/vigilinit/vigild/internal/enum"
)

// cmdInfo mirrors the teacher's addCommand/Parser split: each subcommand
// registers itself via init() so main can build one parser without a
// hand-maintained switch statement.
type cmdInfo struct {
	name      string
	shortHelp string
	builder   func() flags.Commander
}

var commands []*cmdInfo

func addCommand(name, shortHelp string, builder func() flags.Commander) {
	commands = append(commands, &cmdInfo{name: name, shortHelp: shortHelp, builder: builder})
}

// clientMixin is embedded by every subcommand so main can hand each one
// a connected client without every cmd_*.go file repeating the dial.
type clientMixin struct {
	client *client.Client
}

func (m *clientMixin) setClient(c *client.Client) { m.client = c }

type clientSetter interface {
	setClient(*client.Client)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vigilctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	socketPath := client.SocketPath()
	cli, err := client.Dial(socketPath)
	if err != nil {
		return err
	}
	defer cli.Close()

	var opts struct{}
	parser := flags.NewParser(&opts, flags.Default)
	parser.ShortDescription = "Control vigild, the event-driven process supervisor"

	for _, c := range commands {
		obj := c.builder()
		if x, ok := obj.(clientSetter); ok {
			x.setClient(cli)
		}
		if _, err := parser.AddCommand(c.name, c.shortHelp, c.shortHelp, obj); err != nil {
			return fmt.Errorf("cannot add command %q: %w", c.name, err)
		}
	}

	_, err = parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return nil
		}
		return err
	}
	return nil
}

// goalName, stateName and processStateName render the wire's raw enum
// ordinals back into spec.md §4.2's lowercase name vocabulary — the CLI
// is the only place that vocabulary is used; the control socket itself
// carries the ordinals (spec.md §6).
func goalName(g enum.Goal) string {
	if n, ok := enum.GoalName(g); ok {
		return n
	}
	return "unknown"
}

func stateName(s enum.State) string {
	if n, ok := enum.StateName(s); ok {
		return n
	}
	return "unknown"
}

func processStateName(p enum.ProcessState) string {
	if n, ok := enum.ProcessStateName(p); ok {
		return n
	}
	return "unknown"
}

// printStatus renders one job's status the way the "status" and "list"
// commands both need it: plain and script-friendly when stdout isn't a
// terminal, matching spec.md §1's "does not render human output
// formatting" by keeping every bit of this in the CLI, not the core.
func printStatus(s client.JobStatus) {
	fmt.Printf("%s %s/%s, process %s", s.Name, goalName(s.Goal), stateName(s.State), processStateName(s.ProcessState))
	if s.Pid != 0 {
		fmt.Printf(", pid %d", s.Pid)
	}
	fmt.Println()
}
