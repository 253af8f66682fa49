package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"merkledrop/config"
	"merkledrop/core/claims"
	"merkledrop/core/epoch"
	"merkledrop/integrations/webhooks"
	"merkledrop/observability"
	"merkledrop/observability/logging"
	"merkledrop/observability/otel"
	"merkledrop/services/publisher"
	"merkledrop/storage"
	"merkledrop/storage/files"
	"merkledrop/storage/registry"
	"merkledrop/storage/snapshots"
)

// commonFlags are shared by every subcommand.
type commonFlags struct {
	config  string
	dataDir string
	epoch   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.config, "config", "", "Path to a TOML or YAML config file")
	fs.StringVar(&c.dataDir, "data-dir", "", "Override the configured data directory")
	fs.StringVar(&c.epoch, "epoch", "", "Epoch as YYYY-MM (default: previous calendar month)")
}

func (c *commonFlags) epochKey(now time.Time) (epoch.Key, error) {
	if strings.TrimSpace(c.epoch) == "" {
		return epoch.Of(now).Previous(), nil
	}
	return epoch.Parse(c.epoch)
}

// app holds the resources one subcommand invocation needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	files   *files.Store
	metrics *observability.DistributionMetrics
	stdout  io.Writer
	stderr  io.Writer
	closers []func() error
}

func newApp(flags commonFlags, stdout, stderr io.Writer) (*app, error) {
	cfg := config.Default(config.WithDataDir(flags.dataDir))
	if flags.config != "" {
		loaded, err := config.Load(flags.config, config.WithDataDir(flags.dataDir))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Output:     stderr,
	})
	logger.Info("configuration loaded",
		slog.String("data_dir", cfg.DataDir),
		slog.String("registry", logging.MaskDSN(cfg.Registry.DSN)),
		slog.String("snapshots", cfg.Snapshots.Backend),
		slog.Group("publisher",
			slog.Bool("enabled", cfg.Publisher.Enabled),
			slog.String("endpoint", cfg.Publisher.Endpoint),
			slog.String("token", cfg.Publisher.Token)),
		slog.Group("webhook",
			slog.String("endpoint", cfg.Webhook.Endpoint),
			slog.String("secret", cfg.Webhook.Secret)))

	a := &app{
		cfg:     cfg,
		logger:  logger,
		files:   files.New(cfg.DataDir),
		metrics: observability.Distribution(),
		stdout:  stdout,
		stderr:  stderr,
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(context.Background(), otel.Config{
			ServiceName: serviceName,
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Traces:      true,
		})
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return shutdown(ctx)
		})
	}
	return a, nil
}

func (a *app) openSnapshots() (*snapshots.Store, error) {
	db, err := storage.Open(a.cfg.Snapshots.Backend, a.cfg.Snapshots.Path)
	if err != nil {
		return nil, fmt.Errorf("open snapshots: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	return snapshots.New(db), nil
}

func (a *app) openRegistry() (*registry.Registry, error) {
	reg, err := registry.Open(a.cfg.Registry.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, reg.Close)
	return reg, nil
}

func (a *app) publisher() (*publisher.Client, error) {
	return publisher.New(a.cfg.Publisher.Endpoint,
		publisher.WithBearerToken(a.cfg.Publisher.Token),
		publisher.WithRetryPolicy(a.cfg.Publisher.MaxAttempts, 0, 0),
		publisher.WithHTTPClient(httpClient(a.cfg.Publisher.Timeout.Duration)),
	)
}

func (a *app) dispatcher() (*webhooks.Dispatcher, error) {
	d, err := webhooks.NewDispatcher(a.cfg.Webhook.Endpoint, []byte(a.cfg.Webhook.Secret),
		webhooks.WithRetryPolicy(a.cfg.Webhook.MaxAttempts, a.cfg.Webhook.MinBackoff.Duration, a.cfg.Webhook.MaxBackoff.Duration),
		webhooks.WithResultHook(func(event webhooks.EventType, attempts int, err error) {
			a.metrics.RecordWebhook(string(event), err)
			if err != nil {
				a.logger.Warn("webhook delivery failed",
					slog.String("event", string(event)),
					slog.Int("attempts", attempts),
					slog.String("error", err.Error()))
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		return d.Close(ctx)
	})
	return d, nil
}

func (a *app) tokens() (map[claims.TokenClass]common.Address, error) {
	out := make(map[claims.TokenClass]common.Address, len(a.cfg.TokenClasses))
	for class, raw := range a.cfg.TokenClasses {
		if raw == "" {
			continue
		}
		token, err := claims.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("token class %s: %w", class, err)
		}
		out[claims.TokenClass(class)] = token
	}
	return out, nil
}

// close releases resources in reverse order and dumps metrics when a
// textfile is configured.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}
	a.closers = nil
	if path := strings.TrimSpace(a.cfg.Metrics.Textfile); path != "" {
		if err := observability.WriteTextfile(path); err != nil {
			a.logger.Warn("write metrics textfile", slog.String("error", err.Error()))
		}
	}
}

func splitClasses(raw string) []claims.TokenClass {
	var out []claims.TokenClass
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, claims.TokenClass(part))
		}
	}
	return out
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
