// Aurasim runs the end-to-end scenarios of the protocol against a cluster of
// simulated devices. List the scenarios with:
//
//	./aurasim scenarios
//
// and run one of them with:
//
//	./aurasim run -s S3 -c aura.toml -d 2
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/config"
	"github.com/aura-labs/aura/sim"
	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

// Version of this binary
const Version = "0.1"

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "aurasim"
	cliApp.Usage = "run the aura scenarios on simulated devices"
	cliApp.Version = Version
	runFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "scenario, s",
			Usage: "name of the scenario to run, all of them if empty",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file, the defaults are used if empty",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:    "run",
			Aliases: []string{"r"},
			Usage:   "run one or all scenarios",
			Flags:   runFlags,
			Action:  runScenarios,
		},
		{
			Name:    "scenarios",
			Aliases: []string{"l"},
			Usage:   "list the scenarios",
			Action: func(c *cli.Context) error {
				for _, s := range sim.Scenarios {
					fmt.Printf("%s\t%d devices\t%s\n", s.Name, s.Devices, s.Description)
				}
				return nil
			},
		},
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

func runScenarios(c *cli.Context) error {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if c.Int("debug") > cfg.Debug {
		cfg.Debug = c.Int("debug")
	}
	log.SetDebugVisible(cfg.Debug)

	todo := sim.Scenarios
	if name := c.String("scenario"); name != "" {
		s, ok := sim.Find(name)
		if !ok {
			return aura.Errorf(aura.KindNotFound, "no scenario %q", name)
		}
		todo = []sim.Scenario{s}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	for _, s := range todo {
		if err := s.Run(ctx, cfg, os.Stdout); err != nil {
			return fmt.Errorf("%s: %v", s.Name, err)
		}
	}
	return nil
}
