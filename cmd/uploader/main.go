// Package main provides the uploader binary: an HTTP control daemon and
// foreground commands over the same engine and ledger.
//
// Usage:
//
//	uploader [--config path] <command> [options]
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var commit = "unknown"

func main() {
	app := &cli.App{
		Name:    "uploader",
		Usage:   "Resumable multipart upload engine",
		Version: commit,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				EnvVars: []string{"UPLOADER_CONFIG"},
			},
		},
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			uploadCommand(),
			resumeCommand(),
			pauseCommand(),
			cancelCommand(),
			listCommand(),
			gcCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		if msg := exitErr.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
