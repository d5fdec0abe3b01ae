// Package service is the in-process entry point: one request in, one CSV
// out, with a bounded multi-account runner on top.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tomyan/etcmeisai/internal/scraper"
)

// ErrInvalidRequest is returned before anything is launched when a request
// lacks a password or download path, or its user id is empty or not
// usable as a file name prefix.
var ErrInvalidRequest = errors.New("invalid request")

// Request describes one scrape.
type Request struct {
	UserID       string
	Password     string
	DownloadPath string
	Headless     bool
	// Timeout overrides the overall deadline when positive.
	Timeout time.Duration
}

func (r Request) validate() error {
	if err := scraper.CheckUserID(r.UserID); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	switch {
	case r.Password == "":
		return fmt.Errorf("%w: password is empty", ErrInvalidRequest)
	case r.DownloadPath == "":
		return fmt.Errorf("%w: download path is empty", ErrInvalidRequest)
	case r.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidRequest)
	}
	return nil
}

// Result is a finished scrape.
type Result struct {
	CSVPath    string
	CSVContent []byte
}

// Outcome pairs a request's user id with its result or error.
type Outcome struct {
	UserID string
	Result *Result
	Err    error
}

// runner is the part of *scraper.Session the service drives.
type runner interface {
	ID() string
	Run(ctx context.Context) (string, error)
}

// Service runs scrapes with shared launcher, timeouts and site settings.
type Service struct {
	launcher    scraper.Launcher
	logger      *zap.Logger
	timeouts    scraper.Timeouts
	site        scraper.Site
	concurrency int

	newRunner func(scraper.Config) runner
}

// Option configures a Service.
type Option func(*Service)

// WithTimeouts sets per-phase timeouts. Zero fields keep their defaults.
func WithTimeouts(t scraper.Timeouts) Option {
	return func(s *Service) { s.timeouts = t }
}

// WithSite overrides the portal description.
func WithSite(site scraper.Site) Option {
	return func(s *Service) { s.site = site }
}

// WithConcurrency bounds how many browsers ScrapeAll runs at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New returns a Service. ScrapeAll runs one account at a time unless
// WithConcurrency says otherwise.
func New(launcher scraper.Launcher, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		launcher:    launcher,
		logger:      logger.Named("service"),
		timeouts:    scraper.DefaultTimeouts(),
		site:        scraper.ETCMeisai(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.newRunner = func(cfg scraper.Config) runner {
		return scraper.NewSession(cfg, s.launcher, logger)
	}
	return s
}

// Scrape logs in as req.UserID, exports the usage CSV and returns its path
// and contents. Failures are *scraper.Error values except for request
// validation, which wraps ErrInvalidRequest.
func (s *Service) Scrape(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	timeouts := s.timeouts
	if req.Timeout > 0 {
		timeouts.Overall = req.Timeout
	}

	session := s.newRunner(scraper.Config{
		Credentials: scraper.Credentials{UserID: req.UserID, Password: req.Password},
		DownloadDir: req.DownloadPath,
		Headless:    req.Headless,
		Timeouts:    timeouts,
		Site:        s.site,
	})
	logger := s.logger.With(zap.String("session_id", session.ID()), zap.String("user_id", req.UserID))

	start := time.Now()
	path, err := session.Run(ctx)
	if err != nil {
		logger.Warn("Scrape failed.",
			zap.Error(err),
			zap.Stringer("kind", scraper.KindOf(err)),
			zap.Bool("retryable", scraper.IsRetryable(err)),
			zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, scraper.NewError(scraper.KindIO, scraper.PhaseDownload, "reading downloaded CSV", err)
	}

	logger.Info("Scrape complete.",
		zap.String("path", path),
		zap.Int("bytes", len(content)),
		zap.Duration("elapsed", time.Since(start)))
	return &Result{CSVPath: path, CSVContent: content}, nil
}

// ScrapeAll runs every request with one browser each, at most the
// configured number at a time. Outcomes are returned in request order and
// one account's failure does not stop the others.
func (s *Service) ScrapeAll(ctx context.Context, reqs []Request) []Outcome {
	outcomes := make([]Outcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			outcomes[i] = Outcome{UserID: req.UserID}
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = scraper.NewError(scraper.KindCanceled, scraper.PhaseInitialize, "batch canceled", err)
				return nil
			}
			outcomes[i].Result, outcomes[i].Err = s.Scrape(ctx, req)
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	s.logger.Info("Batch finished.", zap.Int("accounts", len(reqs)), zap.Int("failed", failed))
	return outcomes
}
