package main

import "github.com/canonical/go-flags"

type cmdStart struct {
	clientMixin
	Positional struct {
		Name string `positional-arg-name:"<job>" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("start", "Set a job's goal to start", func() flags.Commander { return &cmdStart{} })
}

func (c *cmdStart) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	status, err := c.client.Start(c.Positional.Name)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
