package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/canonical/go-flags"
	"golang.org/x/term"
)

// ErrExtraArgs is returned by any subcommand handed more positional
// arguments than it declared, matching the teacher's convention of a
// shared sentinel rather than a per-command error string.
var ErrExtraArgs = fmt.Errorf("too many arguments for command")

type cmdList struct {
	clientMixin
}

func init() {
	addCommand("list", "Enumerate every registered job", func() flags.Commander { return &cmdList{} })
}

func (c *cmdList) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	jobs, err := c.client.List()
	if err != nil {
		return err
	}

	// Column-align only when stdout is a terminal (spec.md §1's output
	// formatting non-goal: this presentation choice lives entirely in
	// the CLI, never in the core).
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for _, j := range jobs {
			printStatus(j)
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s/%s\t%s\t%d\n", j.Name, goalName(j.Goal), stateName(j.State), processStateName(j.ProcessState), j.Pid)
	}
	return nil
}
