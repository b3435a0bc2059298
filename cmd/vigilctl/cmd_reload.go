package main

import "github.com/canonical/go-flags"

type cmdReload struct {
	clientMixin
	Positional struct {
		Name string `positional-arg-name:"<job>" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("reload", "Re-read a job's on-disk definition and replace it in place", func() flags.Commander { return &cmdReload{} })
}

func (c *cmdReload) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	status, err := c.client.Reload(c.Positional.Name)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
