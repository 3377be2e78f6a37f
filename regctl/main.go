package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/DeafMist/register-radar/internal/app"
	"github.com/DeafMist/register-radar/internal/config"
	"github.com/DeafMist/register-radar/internal/ingest"
	"github.com/DeafMist/register-radar/internal/logger"
	"github.com/DeafMist/register-radar/internal/query"
	"github.com/DeafMist/register-radar/internal/snapshot"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "regctl",
		Usage:     "Operate the Federal Register document store",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Run one ingest pass and print its report",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Usage: "First publication date (YYYY-MM-DD), defaults to INGEST_START_DATE"},
					&cli.StringFlag{Name: "end", Usage: "Last publication date (YYYY-MM-DD), defaults to today"},
					&cli.StringFlag{Name: "type", Usage: "Document type, defaults to INGEST_DOCUMENT_TYPE"},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a question the way the chat endpoint does",
				ArgsUsage: "<query>",
				Action:    askCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "start", Usage: "First publication date (YYYY-MM-DD)"},
					&cli.StringFlag{Name: "end", Usage: "Last publication date (YYYY-MM-DD)"},
				},
			},
			{
				Name:   "sweep",
				Usage:  "Delete snapshot files older than the retention window",
				Action: sweepCommand,
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "max-age", Usage: "Override SNAPSHOT_RETENTION"},
				},
			},
		},
	}
}

func setup(c *cli.Context) (*config.CLI, *slog.Logger, error) {
	log := logger.NewWithWriter(c.App.ErrWriter, "regctl", c.String("log-level"), os.Getenv("LOG_FORMAT"))
	cfg, err := config.LoadCLI()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, log, nil
}

func ingestCommand(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(c.Context, cfg.Common, log)
	if err != nil {
		return err
	}
	defer st.Close()

	runner := app.NewRunner(c.Context, cfg.Common, cfg.Ingest, st, log)
	rep := runner.Run(c.Context, ingest.Request{
		Start: c.String("start"),
		End:   c.String("end"),
		Type:  c.String("type"),
	})
	printReport(c.App.Writer, rep)
	return rep.Err
}

func printReport(w io.Writer, rep ingest.Report) {
	fmt.Fprintf(w, "run:      %s\n", rep.RunID)
	fmt.Fprintf(w, "window:   %s .. %s (%s)\n", rep.Window.Start, rep.Window.End, rep.Window.Type)
	if rep.FallbackReason != "" {
		fmt.Fprintf(w, "source:   %s (%s)\n", rep.Source, rep.FallbackReason)
	} else {
		fmt.Fprintf(w, "source:   %s\n", rep.Source)
	}
	fmt.Fprintf(w, "fetched:  %d (skipped %d)\n", rep.Fetched, rep.Skipped)
	fmt.Fprintf(w, "stored:   %d (total %d)\n", rep.Stored, rep.Total)
	fmt.Fprintf(w, "swept:    %d\n", rep.Swept)
	fmt.Fprintf(w, "duration: %s\n", rep.Duration.Round(time.Millisecond))
}

func askCommand(c *cli.Context) error {
	q := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if q == "" {
		return errors.New("ask needs a query")
	}

	cfg, log, err := setup(c)
	if err != nil {
		return err
	}

	st, err := app.OpenStore(c.Context, cfg.Common, log)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := app.NewChat(app.NewEngine(st, cfg.Query, log), cfg.Summary, log)
	if err != nil {
		return err
	}

	answer, err := svc.Respond(c.Context, query.Request{Query: q, Start: c.String("start"), End: c.String("end")})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, answer)
	return nil
}

func sweepCommand(c *cli.Context) error {
	cfg, log, err := setup(c)
	if err != nil {
		return err
	}

	maxAge := cfg.SnapshotRetention
	if c.IsSet("max-age") {
		maxAge = c.Duration("max-age")
	}

	deleted, err := snapshot.Sweep(cfg.SnapshotDir, maxAge, time.Now(), log)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "deleted %d snapshot file(s) from %s\n", deleted, cfg.SnapshotDir)
	return nil
}
