/*
	cmd/memo is a thin demonstration driver: it wires the cache, guard,
	reviver, executor, and memoizer together for a single external
	spawn, and reports the result. Flags, subcommands, and log
	formatting beyond this are deliberately out of scope here -- this
	binary exists to exercise the memo package end to end, not to be a
	build tool in its own right.
*/
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"github.com/urfave/cli/v2"

	"github.com/polydawn/memo/executor"
	"github.com/polydawn/memo/filecache"
	"github.com/polydawn/memo/guard"
	"github.com/polydawn/memo/memo"
	"github.com/polydawn/memo/reviver"
)

func main() {
	app := &cli.App{
		Name:  "memo",
		Usage: "run a single memoized spawn operation",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cache-dir", Value: filepath.Join(os.TempDir(), "memo-cache")},
			&cli.Int64Flag{Name: "jobs", Value: 4},
			&cli.StringFlag{Name: "stamp", Value: ""},
		},
		Action: func(c *cli.Context) error {
			args := c.Args().Slice()
			if len(args) == 0 {
				return cli.Exit("usage: memo [--cache-dir=DIR] [--jobs=N] -- TOOL [ARGS...]", 2)
			}
			return run(c.String("cache-dir"), c.Int64("jobs"), c.String("stamp"), args[0], args[1:])
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cacheDir string, jobs int64, stamp, tool string, args []string) error {
	log := log15.New()

	cache, err := filecache.Create(cacheDir, log)
	if err != nil {
		return fmt.Errorf("memo: setting up cache: %w", err)
	}
	exec, err := executor.New(jobs, cacheDir, log)
	if err != nil {
		return fmt.Errorf("memo: setting up executor: %w", err)
	}
	defer exec.Wait()

	r := reviver.New(cache, nil, log)
	m := memo.New(guard.New(), r, exec, log)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	exitFuture := m.Spawn(tool, args, memo.SpawnOpts{
		Stamp: stamp,
		Cwd:   cwd,
		UnstampedVars: map[string]string{
			"PATH": os.Getenv("PATH"),
		},
	})

	m.Stir(true)

	if err := m.Status(); err != nil {
		return err
	}

	exitCode, _ := exitFuture.Peek()
	log.Info("spawn complete", "tool", tool, "exit", exitCode)
	return nil
}
