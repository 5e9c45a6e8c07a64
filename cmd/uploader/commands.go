package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/app"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/domain"
	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
	"github.com/urfave/cli/v2"
)

// Exit codes of the foreground commands.
const (
	exitFailed    = 1
	exitCancelled = 2
	exitPaused    = 3
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the engine behind the HTTP control API",
		Action: func(c *cli.Context) error {
			application, err := app.New(c.String("config"))
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			return application.Run()
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a file in the foreground; Ctrl-C pauses it",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "destination", Aliases: []string{"d"}, Usage: "Destination collection id"},
			&cli.StringFlag{Name: "user", Usage: "User id the upload belongs to"},
			&cli.StringFlag{Name: "token", Usage: "Bearer credential for the destination", EnvVars: []string{"UPLOADER_TOKEN"}},
			&cli.IntFlag{Name: "concurrency", Usage: "Cap on parallel part transfers (0 = planner decides)"},
			&cli.IntFlag{Name: "retries", Usage: "Retry budget for the upload (0 = configured default)"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return cli.Exit("upload requires a file path", exitFailed)
			}
			return foreground(c, func(ctx context.Context, engine port.Engine) (string, error) {
				return engine.Start(ctx, port.StartRequest{
					Source:        port.SourceDescriptor{Path: path},
					DestinationID: c.String("destination"),
					UserID:        c.String("user"),
					Credential:    c.String("token"),
					Options: port.StartOptions{
						MaxRetries:  c.Int("retries"),
						Concurrency: c.Int("concurrency"),
					},
				})
			})
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a paused or failed upload in the foreground",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("resume requires an upload id", exitFailed)
			}
			return foreground(c, func(ctx context.Context, engine port.Engine) (string, error) {
				return id, engine.Resume(ctx, id)
			})
		},
	}
}

func pauseCommand() *cli.Command {
	return &cli.Command{
		Name:      "pause",
		Usage:     "Pause an upload; its completed parts are kept",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("pause requires an upload id", exitFailed)
			}
			return withEngine(c, func(ctx context.Context, a *app.App) error {
				if err := a.Engine().Pause(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Paused %s\n", id)
				return nil
			})
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel an upload and abort it at the destination",
		ArgsUsage: "<id>",
		Action: func(c *cli.Context) error {
			id := c.Args().First()
			if id == "" {
				return cli.Exit("cancel requires an upload id", exitFailed)
			}
			return withEngine(c, func(ctx context.Context, a *app.App) error {
				if err := a.Engine().Cancel(ctx, id); err != nil {
					return err
				}
				fmt.Printf("Cancelled %s\n", id)
				return nil
			})
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List known uploads",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Usage: "Filter by status: pending, uploading, paused, completed, failed"},
		},
		Action: func(c *cli.Context) error {
			a, err := app.New(c.String("config"))
			if err != nil {
				return err
			}
			defer a.Close()

			records, err := a.Ledger().List(c.Context)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPARTS\tPROGRESS\tUPDATED\tERROR")
			for _, rec := range records {
				if s := c.String("status"); s != "" && string(rec.Status) != s {
					continue
				}
				status := string(rec.Status)
				if rec.PauseReason != domain.PauseNone && rec.Status == domain.StatusPaused {
					status += "(" + string(rec.PauseReason) + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%.1f%%\t%s\t%s\n",
					rec.ID, rec.FileName, status, len(rec.CompletedParts), rec.TotalParts,
					rec.Progress, rec.UpdatedAt.Format(time.RFC3339), rec.LastError)
			}
			return w.Flush()
		},
	}
}

func gcCommand() *cli.Command {
	return &cli.Command{
		Name:  "gc",
		Usage: "Remove finished and stale upload records",
		Action: func(c *cli.Context) error {
			a, err := app.New(c.String("config"))
			if err != nil {
				return err
			}
			defer a.Close()

			engineCfg := a.Config().Engine
			removed, err := a.Ledger().Prune(c.Context, time.Now(), engineCfg.PruneAfter(), engineCfg.StaleAfter())
			if err != nil {
				return err
			}
			for _, id := range removed {
				fmt.Println(id)
			}
			fmt.Fprintf(os.Stderr, "Removed %d upload records\n", len(removed))
			return nil
		},
	}
}

// withEngine runs fn against a started in-process engine and closes it afterwards.
func withEngine(c *cli.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	a.StartEngine(c.Context)
	defer func() {
		if err := a.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Shutdown: %v\n", err)
		}
	}()
	return fn(c.Context, a)
}

// foreground starts or resumes one upload, prints its events and waits for a
// terminal event. SIGINT or SIGTERM pauses the upload before exiting.
func foreground(c *cli.Context, begin func(ctx context.Context, engine port.Engine) (string, error)) error {
	return withEngine(c, func(ctx context.Context, a *app.App) error {
		engine := a.Engine()

		events := make(chan domain.Event, 256)
		unsubscribe := engine.SubscribeAll(func(ev domain.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer unsubscribe()

		id, err := begin(ctx, engine)
		if err != nil {
			return cli.Exit(err.Error(), exitFailed)
		}
		fmt.Fprintf(os.Stderr, "Upload %s\n", id)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)

		for {
			select {
			case <-sig:
				if err := engine.Pause(ctx, id); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
					return cli.Exit(fmt.Sprintf("pause failed: %v", err), exitFailed)
				}
				return cli.Exit(fmt.Sprintf("Paused %s; continue with: uploader resume %s", id, id), exitPaused)
			case ev := <-events:
				if ev.Upload() != id {
					continue
				}
				if done, err := printEvent(ev); done {
					return err
				}
			}
		}
	})
}

func printEvent(ev domain.Event) (bool, error) {
	switch e := ev.(type) {
	case domain.StartedEvent:
		fmt.Fprintf(os.Stderr, "Started %s: %d bytes in %d parts of %d (%s)\n",
			e.FileName, e.FileSize, e.TotalParts, e.PartSize, e.Strategy)
	case domain.ResumedEvent:
		fmt.Fprintf(os.Stderr, "Resumed with %d/%d parts done\n", e.CompletedParts, e.TotalParts)
	case domain.ProgressEvent:
		fmt.Fprintf(os.Stderr, "\r%6.2f%%  %d/%d bytes  %.1f KiB/s  eta %s   ",
			e.Percentage, e.BytesSent, e.TotalBytes, e.Speed/1024, e.TimeRemaining.Round(time.Second))
	case domain.PausedEvent:
		fmt.Fprintf(os.Stderr, "\nPaused (%s)\n", e.Reason)
		if e.Reason == domain.PauseUser {
			return true, cli.Exit("", exitPaused)
		}
	case domain.CompletedEvent:
		fmt.Fprintf(os.Stderr, "\nCompleted in %s at %.1f KiB/s\n", e.Duration.Round(time.Millisecond), e.AverageSpeed/1024)
		fmt.Println(e.StoragePath)
		return true, nil
	case domain.FailedEvent:
		return true, cli.Exit(fmt.Sprintf("\nFailed: %s", e.Error), exitFailed)
	case domain.CancelledEvent:
		return true, cli.Exit("\nCancelled", exitCancelled)
	}
	return false, nil
}
