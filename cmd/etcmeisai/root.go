package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tomyan/etcmeisai/internal/config"
	"github.com/tomyan/etcmeisai/internal/observability"
	"github.com/tomyan/etcmeisai/internal/scraper"
	"github.com/tomyan/etcmeisai/internal/service"
)

// scrapeRunner is the slice of *service.Service the commands use.
type scrapeRunner interface {
	Scrape(ctx context.Context, req service.Request) (*service.Result, error)
	ScrapeAll(ctx context.Context, reqs []service.Request) []service.Outcome
}

// scraperProvider builds the service from the loaded configuration, so
// tests can swap in a fake that never starts Chrome.
type scraperProvider interface {
	Create(cfg *config.Config, logger *zap.Logger) scrapeRunner
}

type defaultProvider struct{}

func (defaultProvider) Create(cfg *config.Config, logger *zap.Logger) scrapeRunner {
	launcher := &scraper.ChromeLauncher{
		ChromePath:   cfg.Browser.ChromePath,
		WindowWidth:  cfg.Browser.WindowWidth,
		WindowHeight: cfg.Browser.WindowHeight,
		ExtraArgs:    cfg.Browser.ExtraArgs,
		StartTimeout: cfg.Browser.StartTimeout,
		Logger:       logger,
	}
	return service.New(launcher, logger,
		service.WithTimeouts(timeoutsFrom(cfg.Scrape.Timeouts)),
		service.WithConcurrency(cfg.Scrape.Concurrency))
}

func timeoutsFrom(t config.TimeoutsConfig) scraper.Timeouts {
	return scraper.Timeouts{
		Step:        t.Step,
		Search:      t.Search,
		DialogGrace: t.DialogGrace,
		Export:      t.Export,
		Download:    t.Download,
		Overall:     t.Overall,
		Close:       t.Close,
	}
}

// app carries what the commands share once PersistentPreRunE has run.
type app struct {
	stdout, stderr io.Writer
	provider       scraperProvider
	readPassword   func(userID string) (string, error)

	configFile string
	envFile    string
	output     string

	cfg    *config.Config
	logger *zap.Logger
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"log-level":    "logger.level",
	"log-format":   "logger.format",
	"chrome-path":  "browser.chrome_path",
	"headless":     "browser.headless",
	"download-dir": "scrape.download_dir",
	"concurrency":  "scrape.concurrency",
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "etcmeisai",
		Short:         "Download ETC usage statements from etc-meisai.jp as CSV.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "config file (default ./etcmeisai.yaml)")
	pf.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading ETC_* variables")
	pf.StringVarP(&a.output, "output", "o", "json", "output format: json, text")
	pf.String("log-level", "", "log level (env: ETC_LOGGER_LEVEL)")
	pf.String("log-format", "", "log format: console, json (env: ETC_LOGGER_FORMAT)")
	pf.String("chrome-path", "", "Chrome executable (env: ETC_BROWSER_CHROME_PATH)")
	pf.Bool("headless", true, "run Chrome without a window (env: ETC_BROWSER_HEADLESS)")
	pf.String("download-dir", "", "directory the CSV is saved to (env: ETC_SCRAPE_DOWNLOAD_DIR)")

	root.AddCommand(newFetchCmd(a), newBatchCmd(a), newVersionCmd(a))
	return root
}

// load reads .env, the config file, ETC_* variables and flags, in rising
// order of precedence, then sets up logging.
func (a *app) load(cmd *cobra.Command) error {
	switch a.output {
	case "json", "text":
	default:
		return fmt.Errorf("unknown output format: %s", a.output)
	}

	if err := config.LoadEnvFile(a.envFile); err != nil {
		return err
	}
	v, err := config.New(a.configFile)
	if err != nil {
		return err
	}
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("binding --%s: %w", name, err)
			}
		}
	}

	cfg, err := config.NewConfigFromViper(v)
	if err != nil {
		return err
	}
	a.cfg = cfg

	if !isTerminal(a.stderr) {
		cfg.Logger.Color = false
	}
	observability.Initialize(cfg.Logger, zapcore.Lock(zapcore.AddSync(a.stderr)))
	a.logger = observability.GetLogger()
	a.logger.Debug("Configuration loaded.",
		zap.String("version", Version),
		zap.String("download_dir", cfg.Scrape.DownloadDir),
		zap.Bool("headless", cfg.Browser.Headless),
		zap.Int("accounts", len(cfg.AllAccounts())))
	return nil
}

func (a *app) scraper() scrapeRunner {
	return a.provider.Create(a.cfg, a.logger)
}
