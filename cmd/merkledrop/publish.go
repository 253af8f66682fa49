package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"merkledrop/cmd/internal/confirm"
	"merkledrop/core/claims"
	"merkledrop/core/distribution"
	"merkledrop/storage/registry"
)

func runPublish(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var shared commonFlags
	shared.register(fs)
	class := fs.String("class", "", "Token class of the stored distributor")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
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
	if a.cfg.Publisher.Endpoint == "" {
		fmt.Fprintln(stderr, "Error: publisher endpoint not configured")
		return exitUsage
	}

	d, err := loadDistributor(a, shared, *class, "")
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	if err := distribution.Validate(d, distribution.Gate); err != nil {
		fmt.Fprintf(stderr, "Error: refusing to publish: %v\n", err)
		return exitFailed
	}
	data, err := claims.EncodeDistributor(d)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}
	name := fmt.Sprintf("%s-%s.json", key, d.Class)
	if !*yes && a.cfg.Publisher.Confirm {
		ok, err := confirm.New(confirmEnv).Ask(fmt.Sprintf("Publish %s (root %s)?", name, d.Root.Hex()))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitUsage
		}
		if !ok {
			fmt.Fprintln(stderr, "aborted")
			return exitFailed
		}
	}

	client, err := a.publisher()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	ctx := context.Background()
	res, err := client.Publish(ctx, name, data)
	a.metrics.RecordPublish(err)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailed
	}

	reg, err := a.openRegistry()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	now := time.Now().UTC()
	err = reg.MarkPublished(ctx, string(key), string(d.Class), res.CID, now)
	if errors.Is(err, registry.ErrNotFound) {
		_, err = reg.Record(ctx, registry.Publication{
			Epoch:       string(key),
			Class:       string(d.Class),
			Root:        d.Root.Hex(),
			ChainID:     d.ChainID,
			WindowIndex: d.WindowIndex,
			LeafCount:   len(d.Recipients),
			CID:         res.CID,
			PublishedAt: &now,
		})
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: record publication: %v\n", err)
		return exitFailed
	}
	if err := writeJSON(stdout, map[string]string{"class": string(d.Class), "cid": res.CID, "root": d.Root.Hex()}); err != nil {
		return exitUsage
	}
	return exitOK
}
