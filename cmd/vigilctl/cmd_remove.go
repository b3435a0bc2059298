package main

import "github.com/canonical/go-flags"

type cmdRemove struct {
	clientMixin
	Positional struct {
		Name string `positional-arg-name:"<job>" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("remove", "Remove a job's definition and mark its instance deleted", func() flags.Commander { return &cmdRemove{} })
}

func (c *cmdRemove) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	status, err := c.client.Remove(c.Positional.Name)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
