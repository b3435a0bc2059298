package main

import "github.com/canonical/go-flags"

type cmdStop struct {
	clientMixin
	Positional struct {
		Name string `positional-arg-name:"<job>" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("stop", "Set a job's goal to stop", func() flags.Commander { return &cmdStop{} })
}

func (c *cmdStop) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	status, err := c.client.Stop(c.Positional.Name)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
