// Command flashlog is a small CLI front end over the storage engine:
// one top-level app, global --data-dir and --config flags, one
// subcommand per engine operation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/flashlogdb/flashlog/config"
	"github.com/flashlogdb/flashlog/engine"
	"github.com/flashlogdb/flashlog/index"
	"github.com/flashlogdb/flashlog/logging"
)

func main() {
	app := &cli.Command{
		Name:    "flashlog",
		Usage:   "embedded LSM key/value storage engine",
		Version: "0.1.0",

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Aliases: []string{"d"},
				Usage:   "engine data directory",
				Value:   "./flashlog-data",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "optional TOML config file (defaults used if absent)",
			},
		},

		Commands: []*cli.Command{
			getCommand(),
			putCommand(),
			deleteCommand(),
			rangeCommand(),
			flushCommand(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "flashlog: %v\n", err)
		os.Exit(1)
	}
}

func openEngine(c *cli.Command) (*engine.Engine, error) {
	cfg := config.Options{}
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, err
	}

	log := logging.New(os.Stderr, slog.LevelWarn)
	return engine.Open(c.String("data-dir"), cfg, log)
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "look up a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("get requires exactly one key argument")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			v, found, err := e.Get(c.Args().First())
			if err != nil {
				return err
			}
			if !found {
				fmt.Println("(not found)")
				return nil
			}
			fmt.Println(string(v))
			return nil
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "insert or overwrite a key",
		ArgsUsage: "<key> <value>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("put requires a key and a value argument")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.Insert(c.Args().Get(0), []byte(c.Args().Get(1)))
		},
	}
}

func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "remove a key",
		ArgsUsage: "<key>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return fmt.Errorf("delete requires exactly one key argument")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.Remove(c.Args().First())
		},
	}
}

func rangeCommand() *cli.Command {
	return &cli.Command{
		Name:      "range",
		Usage:     "list keys in [from, to)",
		ArgsUsage: "<from> <to>",
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("range requires a from and a to argument")
			}
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			lower := &index.Bound{Key: c.Args().Get(0), Inclusive: true}
			upper := &index.Bound{Key: c.Args().Get(1), Inclusive: false}
			records, err := e.Range(lower, upper)
			if err != nil {
				return err
			}
			for _, rec := range records {
				v, _ := rec.Entry.Value()
				fmt.Printf("%s=%s\n", rec.Key, v)
			}
			return nil
		},
	}
}

func flushCommand() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "force a memtable flush and write a fresh checkpoint",
		Action: func(ctx context.Context, c *cli.Command) error {
			e, err := openEngine(c)
			if err != nil {
				return err
			}
			defer e.Close()

			return e.ForceFlush()
		},
	}
}
