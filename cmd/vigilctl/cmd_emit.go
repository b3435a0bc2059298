package main

import "github.com/canonical/go-flags"

type cmdEmit struct {
	clientMixin
	Positional struct {
		Name string   `positional-arg-name:"<event>" required:"1"`
		Env  []string `positional-arg-name:"<key=value>"`
	} `positional-args:"yes"`
}

func init() {
	addCommand("emit", "Emit a named event, optionally with KEY=VALUE environment", func() flags.Commander { return &cmdEmit{} })
}

func (c *cmdEmit) Execute(args []string) error {
	return c.client.Emit(c.Positional.Name, c.Positional.Env)
}
