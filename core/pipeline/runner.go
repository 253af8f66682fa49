// Package pipeline runs one epoch of reward distribution: every token class is
// built and gated in parallel, passing classes are persisted and folded into
// the cumulative index, and downstream publication is attempted last.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"merkledrop/core/claims"
	"merkledrop/core/cumulative"
	"merkledrop/core/distribution"
	"merkledrop/core/epoch"
	"merkledrop/integrations/exports"
	"merkledrop/integrations/webhooks"
	"merkledrop/observability"
	"merkledrop/observability/otel"
	"merkledrop/services/publisher"
	"merkledrop/storage/files"
	"merkledrop/storage/registry"
	"merkledrop/storage/snapshots"
)

// ErrNoClasses is returned when a run has nothing to build.
var ErrNoClasses = errors.New("pipeline: no token classes to build")

// Publisher uploads a document to content-addressed storage.
type Publisher interface {
	Publish(ctx context.Context, name string, data []byte) (*publisher.Result, error)
}

// Notifier emits run events.
type Notifier interface {
	EnqueueDistributionPublished(webhooks.DistributionPublishedPayload) error
	EnqueueCumulativeUpdated(webhooks.CumulativeUpdatedPayload) error
}

// Recorder keeps the per-epoch publication ledger.
type Recorder interface {
	Record(ctx context.Context, p registry.Publication) (*registry.Publication, error)
	MarkPublished(ctx context.Context, epoch, class, cid string, at time.Time) error
}

// ConfirmFunc asks an operator to approve an action.
type ConfirmFunc func(prompt string) (bool, error)

// Options wires the runner's collaborators. Files and Snapshots are
// required; everything else is optional.
type Options struct {
	Files     *files.Store
	Snapshots *snapshots.Store
	Registry  Recorder
	Publisher Publisher
	Notifier  Notifier
	Confirm   ConfirmFunc
	Metrics   *observability.DistributionMetrics
	Logger    *slog.Logger

	Epochs epoch.Config
	// ChainID, when non-zero, must match every input.
	ChainID uint64
	// Tokens restricts the aggregate tokens accepted per class.
	Tokens map[claims.TokenClass]common.Address
	// Concurrency bounds parallel class builds. Zero means unbounded.
	Concurrency int

	Now func() time.Time
}

// Runner executes distribution runs.
type Runner struct {
	opts   Options
	tracer trace.Tracer
}

// New validates opts and returns a runner.
func New(opts Options) (*Runner, error) {
	if opts.Files == nil {
		return nil, errors.New("pipeline: file store required")
	}
	if opts.Snapshots == nil {
		return nil, errors.New("pipeline: snapshot store required")
	}
	if err := opts.Epochs.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{opts: opts, tracer: otel.Tracer("merkledrop/pipeline")}, nil
}

// ClassResult is the outcome of one token class.
type ClassResult struct {
	Class       claims.TokenClass
	Distributor *claims.Distributor
	// Document is the distributor file as written to disk.
	Document []byte
	Checksum string
	CID      string
	Duration time.Duration
	// Err is set when the class failed to load, build, validate or persist.
	Err error
}

// Report summarises a run.
type Report struct {
	RunID           string
	Epoch           epoch.Key
	Classes         []ClassResult
	Snapshot        snapshots.Snapshot
	SnapshotCreated bool
	// Warnings collects publication and notification failures. They never
	// fail the run.
	Warnings []error
}

// Failed returns the classes that did not pass.
func (r *Report) Failed() []ClassResult {
	var out []ClassResult
	for _, c := range r.Classes {
		if c.Err != nil {
			out = append(out, c)
		}
	}
	return out
}

// Err joins the class failures, or returns nil when every class passed.
func (r *Report) Err() error {
	var errs []error
	for _, c := range r.Failed() {
		errs = append(errs, fmt.Errorf("%s: %w", c.Class, c.Err))
	}
	return errors.Join(errs...)
}

// Run builds every class for key. An empty classes list builds every class
// with an input file for the epoch. The returned error covers infrastructure
// failures only; per-class failures are reported through Report.Err.
func (r *Runner) Run(ctx context.Context, key epoch.Key, classes []claims.TokenClass) (*Report, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("pipeline: invalid epoch %q", key)
	}
	report := &Report{RunID: uuid.NewString(), Epoch: key}
	logger := r.opts.Logger.With(slog.String("run_id", report.RunID), slog.String("epoch", string(key)))

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run_id", report.RunID),
		attribute.String("epoch", string(key)),
	))
	defer span.End()

	classes, err := r.resolveClasses(key, classes)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	window, pinned, err := r.opts.Epochs.WindowIndex(key)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report.Classes = make([]ClassResult, len(classes))
	var prior snapshots.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	if r.opts.Concurrency > 0 {
		g.SetLimit(r.opts.Concurrency + 1)
	}
	g.Go(func() error {
		snap, err := r.opts.Snapshots.Latest()
		if err != nil {
			return fmt.Errorf("load cumulative snapshot: %w", err)
		}
		prior = snap
		return nil
	})
	for i, class := range classes {
		i, class := i, class
		g.Go(func() error {
			report.Classes[i] = r.buildClass(gctx, logger, report.RunID, key, class, window, pinned)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	passing := make(map[claims.TokenClass]*claims.Distributor)
	for _, res := range report.Classes {
		if res.Err == nil {
			passing[res.Class] = res.Distributor
		}
	}

	report.Snapshot = prior
	if len(passing) > 0 {
		idx := cumulative.Combine(key, passing, prior.Index)
		snap, created, err := r.opts.Snapshots.Put(key, idx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("store cumulative snapshot: %w", err)
		}
		report.Snapshot, report.SnapshotCreated = snap, created
		data, err := r.opts.Files.WriteCumulative(snap.Index)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("write cumulative index: %w", err)
		}
		r.opts.Metrics.RecordCumulative(snap.Index.Cells(), snap.Version)
		logger.Info("cumulative index updated",
			slog.Uint64("version", snap.Version),
			slog.Bool("created", created),
			slog.Int("cells", snap.Index.Cells()))
		if created {
			r.notifyCumulative(report, passing, exports.Checksum(data), logger)
		}
	}

	r.publish(ctx, report, logger)
	r.notifyDistributions(report, logger)

	if failed := report.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d classes failed", len(failed)))
	}
	r.opts.Metrics.MarkRunFinished(r.opts.Now())
	logger.Info("run finished",
		slog.Int("classes", len(report.Classes)),
		slog.Int("failed", len(report.Failed())),
		slog.Int("warnings", len(report.Warnings)))
	return report, nil
}

func (r *Runner) resolveClasses(key epoch.Key, requested []claims.TokenClass) ([]claims.TokenClass, error) {
	classes := append([]claims.TokenClass(nil), requested...)
	if len(classes) == 0 {
		found, err := r.opts.Files.Classes(key)
		if err != nil {
			return nil, fmt.Errorf("list classes: %w", err)
		}
		classes = found
	}
	if len(classes) == 0 {
		return nil, ErrNoClasses
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })
	out := classes[:0]
	for i, class := range classes {
		if i > 0 && class == classes[i-1] {
			continue
		}
		out = append(out, class)
	}
	return out, nil
}

func (r *Runner) buildClass(ctx context.Context, logger *slog.Logger, runID string, key epoch.Key, class claims.TokenClass, window uint64, pinned bool) ClassResult {
	start := time.Now()
	res := ClassResult{Class: class}
	logger = logger.With(slog.String("class", string(class)))
	_, span := r.tracer.Start(ctx, "pipeline.build", trace.WithAttributes(attribute.String("class", string(class))))
	defer span.End()

	defer func() {
		res.Duration = time.Since(start)
		r.opts.Metrics.ObserveBuild(string(class), res.Duration, res.Err)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "class failed")
			logger.Error("class failed", slog.String("error", res.Err.Error()))
		}
	}()

	input, err := r.opts.Files.ReadInput(key, class)
	if err != nil {
		res.Err = err
		return res
	}
	if err := r.checkInput(input, class, window, pinned); err != nil {
		res.Err = err
		return res
	}
	d, err := distribution.Build(input, class)
	if err != nil {
		res.Err = err
		return res
	}
	if err := distribution.Validate(d, distribution.Gate); err != nil {
		// rerun in diagnostic mode so operators see every violation
		full := distribution.Validate(d, distribution.Diagnostic)
		var verrs *distribution.ValidationErrors
		if errors.As(full, &verrs) {
			r.opts.Metrics.RecordViolations(string(class), verrs.Counts())
		}
		res.Err = full
		return res
	}
	res.Distributor = d

	// nothing is persisted until both the file store and the registry accept
	// the root
	data, err := claims.EncodeDistributor(d)
	if err != nil {
		res.Err = err
		return res
	}
	res.Checksum = exports.Checksum(data)
	if err := r.opts.Files.CheckDistributor(key, d); err != nil {
		res.Err = err
		return res
	}
	if r.opts.Registry != nil {
		if _, err := r.opts.Registry.Record(ctx, registry.Publication{
			Epoch:       string(key),
			Class:       string(class),
			Root:        d.Root.Hex(),
			ChainID:     d.ChainID,
			WindowIndex: d.WindowIndex,
			LeafCount:   len(d.Recipients),
			Checksum:    res.Checksum,
			RunID:       runID,
		}); err != nil {
			res.Err = err
			return res
		}
	}
	if res.Document, err = r.opts.Files.WriteDistributor(key, d); err != nil {
		res.Err = err
		return res
	}

	aggregates := make(map[string]*big.Int, len(d.AggregateRewards))
	for _, agg := range d.AggregateRewards {
		aggregates[agg.Token.Hex()] = agg.Amount
	}
	r.opts.Metrics.RecordDistributor(string(class), len(d.Recipients), aggregates)
	span.SetAttributes(attribute.String("root", d.Root.Hex()), attribute.Int("recipients", len(d.Recipients)))
	logger.Info("distributor written",
		slog.String("root", d.Root.Hex()),
		slog.Int("recipients", len(d.Recipients)),
		slog.String("checksum", res.Checksum))
	return res
}

func (r *Runner) checkInput(input *claims.DistributionInput, class claims.TokenClass, window uint64, pinned bool) error {
	if r.opts.ChainID != 0 && input.ChainID != r.opts.ChainID {
		return &claims.InputError{Source: string(class), Field: "chainId", Err: fmt.Errorf("got %d, configured %d", input.ChainID, r.opts.ChainID)}
	}
	if pinned && input.WindowIndex != window {
		return &claims.InputError{Source: string(class), Field: "windowIndex", Err: fmt.Errorf("got %d, epoch expects %d", input.WindowIndex, window)}
	}
	if token, ok := r.opts.Tokens[class]; ok && token != (common.Address{}) {
		for _, agg := range input.AggregateRewards {
			if agg.Token != token {
				return &claims.InputError{Source: string(class), Field: "aggregateRewards", Err: fmt.Errorf("token %s is not %s", agg.Token.Hex(), token.Hex())}
			}
		}
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, report *Report, logger *slog.Logger) {
	if r.opts.Publisher == nil {
		return
	}
	for i := range report.Classes {
		res := &report.Classes[i]
		if res.Err != nil {
			continue
		}
		name := fmt.Sprintf("%s-%s.json", report.Epoch, res.Class)
		if r.opts.Confirm != nil {
			ok, err := r.opts.Confirm(fmt.Sprintf("Publish %s (root %s)?", name, res.Distributor.Root.Hex()))
			if err != nil {
				report.Warnings = append(report.Warnings, fmt.Errorf("confirm %s: %w", name, err))
				continue
			}
			if !ok {
				logger.Info("publication skipped", slog.String("class", string(res.Class)))
				continue
			}
		}
		out, err := r.opts.Publisher.Publish(ctx, name, res.Document)
		r.opts.Metrics.RecordPublish(err)
		if err != nil {
			logger.Warn("publication failed", slog.String("class", string(res.Class)), slog.String("error", err.Error()))
			report.Warnings = append(report.Warnings, err)
			continue
		}
		res.CID = out.CID
		logger.Info("distributor published", slog.String("class", string(res.Class)), slog.String("cid", out.CID))
		if r.opts.Registry != nil {
			if err := r.opts.Registry.MarkPublished(ctx, string(report.Epoch), string(res.Class), out.CID, r.opts.Now()); err != nil {
				report.Warnings = append(report.Warnings, fmt.Errorf("record cid for %s: %w", res.Class, err))
			}
		}
	}
}

func (r *Runner) notifyDistributions(report *Report, logger *slog.Logger) {
	if r.opts.Notifier == nil {
		return
	}
	for _, res := range report.Classes {
		if res.Err != nil {
			continue
		}
		d := res.Distributor
		err := r.opts.Notifier.EnqueueDistributionPublished(webhooks.DistributionPublishedPayload{
			Epoch:       string(report.Epoch),
			Class:       string(res.Class),
			ChainID:     d.ChainID,
			WindowIndex: d.WindowIndex,
			Root:        d.Root.Hex(),
			Recipients:  len(d.Recipients),
			Checksum:    res.Checksum,
			CID:         res.CID,
			RunID:       report.RunID,
			GeneratedAt: r.opts.Now(),
		})
		if err != nil {
			logger.Warn("webhook enqueue failed", slog.String("class", string(res.Class)), slog.String("error", err.Error()))
			report.Warnings = append(report.Warnings, err)
		}
	}
}

func (r *Runner) notifyCumulative(report *Report, passing map[claims.TokenClass]*claims.Distributor, checksum string, logger *slog.Logger) {
	if r.opts.Notifier == nil {
		return
	}
	classes := make([]string, 0, len(passing))
	for class := range passing {
		classes = append(classes, string(class))
	}
	sort.Strings(classes)
	err := r.opts.Notifier.EnqueueCumulativeUpdated(webhooks.CumulativeUpdatedPayload{
		Epoch:       string(report.Epoch),
		Version:     report.Snapshot.Version,
		Classes:     classes,
		Cells:       report.Snapshot.Index.Cells(),
		Checksum:    checksum,
		RunID:       report.RunID,
		GeneratedAt: r.opts.Now(),
	})
	if err != nil {
		logger.Warn("webhook enqueue failed", slog.String("event", string(webhooks.EventCumulativeUpdated)), slog.String("error", err.Error()))
		report.Warnings = append(report.Warnings, err)
	}
}
