package main

import "github.com/canonical/go-flags"

type cmdStatus struct {
	clientMixin
	Positional struct {
		Name string `positional-arg-name:"<job>" required:"1"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("status", "Query a job's current status", func() flags.Commander { return &cmdStatus{} })
}

func (c *cmdStatus) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}
	status, err := c.client.Query(c.Positional.Name)
	if err != nil {
		return err
	}
	printStatus(status)
	return nil
}
