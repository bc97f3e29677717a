package main

import "github.com/nimburion/kvbridge/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:      "kvbridge",
		EnvPrefix: cli.DefaultEnvPrefix,
	}))
}
