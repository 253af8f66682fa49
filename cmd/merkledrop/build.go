package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"merkledrop/cmd/internal/confirm"
	"merkledrop/core/claims"
	"merkledrop/core/distribution"
	"merkledrop/core/pipeline"
)

type classSummary struct {
	Class      string         `json:"class"`
	Root       string         `json:"root,omitempty"`
	Recipients int            `json:"recipients,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
	CID        string         `json:"cid,omitempty"`
	Error      string         `json:"error,omitempty"`
	Violations map[string]int `json:"violations,omitempty"`
}

type buildSummary struct {
	RunID           string         `json:"runId"`
	Epoch           string         `json:"epoch"`
	Classes         []classSummary `json:"classes"`
	SnapshotVersion uint64         `json:"snapshotVersion"`
	SnapshotCreated bool           `json:"snapshotCreated"`
	Warnings        []string       `json:"warnings,omitempty"`
}

func runBuild(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	classes := fs.String("classes", "", "Comma separated token classes (default: configured classes, else every input file)")
	publish := fs.Bool("publish", false, "Upload passing distributors through the configured publisher")
	notify := fs.Bool("notify", true, "Send webhook events when a webhook endpoint is configured")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	key, err := shared.epochKey(time.Now().UTC())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	a, err := newApp(shared, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer a.close()

	opts, err := a.pipelineOptions(*publish, *notify)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	runner, err := pipeline.New(opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	requested := splitClasses(*classes)
	if len(requested) == 0 {
		for _, class := range a.cfg.Classes() {
			requested = append(requested, claims.TokenClass(class))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	report, err := runner.Run(ctx, key, requested)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	summary := buildSummary{
		RunID:           report.RunID,
		Epoch:           string(report.Epoch),
		SnapshotVersion: report.Snapshot.Version,
		SnapshotCreated: report.SnapshotCreated,
	}
	for _, res := range report.Classes {
		entry := classSummary{Class: string(res.Class), Checksum: res.Checksum, CID: res.CID}
		if res.Distributor != nil {
			entry.Root = res.Distributor.Root.Hex()
			entry.Recipients = len(res.Distributor.Recipients)
		}
		if res.Err != nil {
			entry.Error = res.Err.Error()
			var verrs *distribution.ValidationErrors
			if errors.As(res.Err, &verrs) {
				entry.Violations = verrs.Counts()
			}
		}
		summary.Classes = append(summary.Classes, entry)
	}
	for _, w := range report.Warnings {
		summary.Warnings = append(summary.Warnings, w.Error())
	}
	if err := writeJSON(stdout, summary); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if report.Err() != nil {
		return exitFailed
	}
	return exitOK
}

func (a *app) pipelineOptions(publish, notify bool) (pipeline.Options, error) {
	snaps, err := a.openSnapshots()
	if err != nil {
		return pipeline.Options{}, err
	}
	reg, err := a.openRegistry()
	if err != nil {
		return pipeline.Options{}, err
	}
	tokens, err := a.tokens()
	if err != nil {
		return pipeline.Options{}, err
	}
	opts := pipeline.Options{
		Files:       a.files,
		Snapshots:   snaps,
		Registry:    reg,
		Metrics:     a.metrics,
		Logger:      a.logger,
		Epochs:      a.cfg.EpochConfig(),
		ChainID:     a.cfg.ChainID,
		Tokens:      tokens,
		Concurrency: a.cfg.Concurrency,
	}
	if publish || a.cfg.Publisher.Enabled {
		client, err := a.publisher()
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Publisher = client
		if a.cfg.Publisher.Confirm {
			opts.Confirm = confirm.New(confirmEnv).Ask
		}
	}
	if notify && a.cfg.Webhook.Enabled() {
		d, err := a.dispatcher()
		if err != nil {
			return pipeline.Options{}, err
		}
		opts.Notifier = d
	}
	return opts, nil
}
