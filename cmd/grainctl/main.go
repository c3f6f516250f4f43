package main

import (
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	// host the demo calculator
	cmdServe := &cli.Command{
		Name:  "serve",
		Usage: "run a server endpoint exposing the demo calculator",
		Flags: []cli.Flag{
			&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Usage: "endpoint config file path", Required: true},
			&cli.PathFlag{Name: "stats", Usage: "file the endpoint statistics are written to"},
			&cli.DurationFlag{Name: "stats-interval", Usage: "how often the statistics file is rewritten", Value: 5 * time.Second},
		},
		Action: func(c *cli.Context) error {
			return serve(c.Path("config"), c.Path("stats"), c.Duration("stats-interval"))
		},
	}
	// call the demo calculator
	cmdCall := &cli.Command{
		Name:  "call",
		Usage: "call the demo calculator of a server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "server address", Required: true},
			&cli.StringFlag{Name: "op", Usage: "value, add, divide or accumulate", Value: "value"},
			&cli.IntFlag{Name: "a", Usage: "first operand"},
			&cli.IntFlag{Name: "b", Usage: "second operand"},
			&cli.StringFlag{Name: "secret", Usage: "shared secret, if the server requires one"},
		},
		Action: func(c *cli.Context) error {
			if c.String("addr") == "" {
				return errors.New("please provide --addr")
			}
			return call(c.String("addr"), c.String("secret"), c.String("op"), c.Int("a"), c.Int("b"))
		},
	}
	// measure round trips
	cmdPing := &cli.Command{
		Name:  "ping",
		Usage: "measure round trips to a server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "server address", Required: true},
			&cli.IntFlag{Name: "n", Usage: "number of round trips", Value: 5},
			&cli.StringFlag{Name: "secret", Usage: "shared secret, if the server requires one"},
		},
		Action: func(c *cli.Context) error {
			if c.Int("n") <= 0 {
				return errors.New("-n must be positive")
			}
			return ping(c.String("addr"), c.String("secret"), c.Int("n"))
		},
	}
	app := &cli.App{
		Name:  "grainctl",
		Usage: "run and talk to grain endpoints",
		Commands: []*cli.Command{
			cmdServe,
			cmdCall,
			cmdPing,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
