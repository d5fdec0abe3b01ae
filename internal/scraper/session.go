// Package scraper drives one browser through the ETC meisai portal: log in,
// search, export the usage statement as CSV and pick the file up from disk.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Timeouts bound every wait a session performs.
type Timeouts struct {
	Step        time.Duration // each navigation or element wait
	Search      time.Duration // results page after submitting the search
	DialogGrace time.Duration // answering one dialog
	Export      time.Duration // export dialog accepted after the click
	Download    time.Duration // file landing on disk
	Overall     time.Duration // the whole Run
	Close       time.Duration // teardown
	Poll        time.Duration // DOM polling interval
	FilePoll    time.Duration // download directory polling interval
}

// DefaultTimeouts returns the timeouts used when a field is zero.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Step:        15 * time.Second,
		Search:      30 * time.Second,
		DialogGrace: 10 * time.Second,
		Export:      30 * time.Second,
		Download:    30 * time.Second,
		Overall:     120 * time.Second,
		Close:       10 * time.Second,
		Poll:        250 * time.Millisecond,
		FilePoll:    500 * time.Millisecond,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	for _, f := range []struct{ v, def *time.Duration }{
		{&t.Step, &d.Step}, {&t.Search, &d.Search}, {&t.DialogGrace, &d.DialogGrace},
		{&t.Export, &d.Export}, {&t.Download, &d.Download}, {&t.Overall, &d.Overall},
		{&t.Close, &d.Close}, {&t.Poll, &d.Poll}, {&t.FilePoll, &d.FilePoll},
	} {
		if *f.v <= 0 {
			*f.v = *f.def
		}
	}
	return t
}

// Config describes one scrape.
type Config struct {
	Credentials Credentials
	DownloadDir string
	Headless    bool
	Timeouts    Timeouts
	Site        Site
}

// Session is one end-to-end scrape attempt over its own browser. Driver
// operations must be called in order; Run calls them all.
type Session struct {
	id       string
	cfg      Config
	password *secret
	launcher Launcher
	logger   *zap.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        State
	criteriaOpen bool
	closed       bool
	page         Page
	staging      string
	interceptor  *Interceptor
	watcher      *Watcher
	exportAt     time.Time
	artifact     *Artifact
}

// NewSession prepares a session. Nothing is launched until Initialize.
func NewSession(cfg Config, launcher Launcher, logger *zap.Logger) *Session {
	if cfg.Site.TopURL == "" {
		cfg.Site = ETCMeisai()
	}
	cfg.Timeouts = cfg.Timeouts.withDefaults()

	id := uuid.NewString()
	s := &Session{
		id:       id,
		cfg:      cfg,
		password: newSecret(cfg.Credentials.Password),
		launcher: launcher,
		logger: logger.Named("session").With(
			zap.String("session_id", id),
			zap.String("user_id", cfg.Credentials.UserID)),
		now: time.Now,
	}
	s.cfg.Credentials.Password = ""
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Artifact returns the downloaded file once the session is complete.
func (s *Session) Artifact() *Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact
}

func (s *Session) require(phase Phase, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NewError(KindInvalidState, phase, "session closed", nil)
	}
	if s.state != want {
		return NewError(KindInvalidState, phase, fmt.Sprintf("requires state %s, session is %s", want, s.state), nil)
	}
	return nil
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	s.logger.Debug("State changed.", zap.Stringer("from", from), zap.Stringer("to", to))
}

// operation derives a context for one driver step that also ends when the
// dialog interceptor fails.
func (s *Session) operation(ctx context.Context) (context.Context, context.CancelFunc) {
	opCtx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.interceptor.Context(), func() {
		cancel(context.Cause(s.interceptor.Context()))
	})
	return opCtx, func() {
		stop()
		cancel(nil)
	}
}

// fail turns err into the session's typed error. A failed interceptor is
// the root cause of anything that broke after it.
func (s *Session) fail(phase Phase, err error, timeoutKind Kind, msg string) *Error {
	if s.interceptor != nil {
		var ie *Error
		if errors.As(s.interceptor.Err(), &ie) {
			return ie
		}
	}
	return classify(phase, err, timeoutKind, msg)
}

// poll evaluates script until it is truthy. It returns false without an
// error when timeout passes first, unless the last evaluation was itself cut
// off by the timeout: the page is then blocked rather than missing the
// element. Script errors are retried: the page may be between documents.
func (s *Session) poll(ctx context.Context, timeout time.Duration, script string) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.Timeouts.Poll)
	defer ticker.Stop()

	for {
		v, err := s.page.Evaluate(waitCtx, script)
		if err == nil && truthy(v) {
			return true, nil
		}
		if err != nil && errors.Is(err, ErrDisconnected) {
			return false, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return false, context.Cause(ctx)
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return false, fmt.Errorf("page did not answer within %s: %w", timeout, err)
			}
			return false, nil
		case <-ticker.C:
		}
	}
}

// Initialize creates the download directory and a staging directory private
// to this session, launches the browser, points its downloads at the
// staging directory and installs the dialog interceptor before anything
// navigates.
func (s *Session) Initialize(ctx context.Context) error {
	if err := s.require(PhaseInitialize, StateUninitialized); err != nil {
		return err
	}

	dir, err := filepath.Abs(s.cfg.DownloadDir)
	if err != nil {
		return NewError(KindIO, PhaseInitialize, "resolving download directory", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewError(KindIO, PhaseInitialize, "creating download directory", err)
	}
	staging := filepath.Join(dir, "."+s.id)
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return NewError(KindIO, PhaseInitialize, "creating staging directory", err)
	}
	s.mu.Lock()
	s.staging = staging
	s.mu.Unlock()

	s.logger.Info("Launching browser.", zap.Bool("headless", s.cfg.Headless), zap.String("download_dir", dir))
	page, err := s.launcher.Launch(ctx, LaunchOptions{Headless: s.cfg.Headless, DownloadDir: staging})
	if err != nil {
		return classify(PhaseInitialize, err, KindTimeout, "launching browser")
	}

	s.mu.Lock()
	s.page = page
	s.mu.Unlock()

	if err := page.SetDownloadDir(ctx, staging); err != nil {
		return classify(PhaseInitialize, err, KindTimeout, "setting download directory")
	}

	interceptor := NewInterceptor(page, s.cfg.Timeouts.DialogGrace, s.logger)
	if err := interceptor.Install(ctx); err != nil {
		return classify(PhaseInitialize, err, KindTimeout, "subscribing to dialogs")
	}

	s.mu.Lock()
	s.interceptor = interceptor
	s.watcher = NewWatcher(staging, WatchOptions{
		Interval: s.cfg.Timeouts.FilePoll,
		Timeout:  s.cfg.Timeouts.Download,
	}, s.logger)
	s.cfg.DownloadDir = dir
	s.mu.Unlock()

	s.transition(StateReady)
	return nil
}

// Login signs in. The session becomes Authenticated only when the
// logged-in marker shows up; otherwise it stays Ready.
func (s *Session) Login(ctx context.Context) error {
	if err := s.require(PhaseLogin, StateReady); err != nil {
		return err
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	site := s.cfg.Site
	s.logger.Info("Logging in.")

	if err := s.page.Navigate(ctx, site.TopURL); err != nil {
		return s.fail(PhaseLogin, err, KindTimeout, "opening "+site.TopURL)
	}

	if err := s.click(ctx, PhaseLogin, site.LoginLink, "login link"); err != nil {
		return err
	}

	formReady := fmt.Sprintf("document.querySelector('input[name=%q]') !== null", site.UserField)
	ok, err := s.poll(ctx, s.cfg.Timeouts.Step, formReady)
	if err != nil {
		return s.fail(PhaseLogin, err, KindTimeout, "waiting for login form")
	}
	if !ok {
		return NewError(KindNotFound, PhaseLogin, "login form did not appear", nil)
	}

	s.mu.Lock()
	if s.password.Wiped() {
		s.mu.Unlock()
		return NewError(KindInvalidState, PhaseLogin, "password already wiped", nil)
	}
	fill := fillScript(map[string]string{
		site.UserField:     s.cfg.Credentials.UserID,
		site.PasswordField: s.password.String(),
	})
	s.mu.Unlock()

	missing, err := s.page.Evaluate(ctx, fill)
	if err != nil {
		return s.fail(PhaseLogin, err, KindTimeout, "filling login form")
	}
	if n, _ := missing.(float64); n > 0 {
		return NewError(KindNotFound, PhaseLogin, "login form fields missing", nil)
	}

	if err := s.click(ctx, PhaseLogin, site.LoginButton, "login button"); err != nil {
		return err
	}

	ok, err = s.poll(ctx, s.cfg.Timeouts.Step, site.LoggedInMarker.ExistsScript())
	if err != nil {
		return s.fail(PhaseLogin, err, KindTimeout, "waiting for login")
	}
	if !ok {
		return NewError(KindAuthentication, PhaseLogin, "logged-in marker not found; credentials rejected or login page changed", nil)
	}

	s.mu.Lock()
	s.password.Wipe()
	s.mu.Unlock()

	s.logLinks(ctx, "Links after login.")
	s.logger.Info("Logged in.")
	s.transition(StateAuthenticated)
	return nil
}

// OpenSearchCriteria opens the search criteria form.
func (s *Session) OpenSearchCriteria(ctx context.Context) error {
	if err := s.require(PhaseSearchCriteria, StateAuthenticated); err != nil {
		return err
	}
	s.mu.Lock()
	open := s.criteriaOpen
	s.mu.Unlock()
	if open {
		return NewError(KindInvalidState, PhaseSearchCriteria, "search criteria already open", nil)
	}

	ctx, cancel := s.operation(ctx)
	defer cancel()

	if err := s.click(ctx, PhaseSearchCriteria, s.cfg.Site.SearchCriteriaLink, "search criteria link"); err != nil {
		return err
	}

	s.mu.Lock()
	s.criteriaOpen = true
	s.mu.Unlock()
	s.logger.Debug("Search criteria opened.")
	return nil
}

// SubmitSearch selects every vehicle, runs the search and waits for the
// results page.
func (s *Session) SubmitSearch(ctx context.Context) error {
	if err := s.require(PhaseSearch, StateAuthenticated); err != nil {
		return err
	}
	s.mu.Lock()
	open := s.criteriaOpen
	s.mu.Unlock()
	if !open {
		return NewError(KindInvalidState, PhaseSearch, "search criteria not opened", nil)
	}

	ctx, cancel := s.operation(ctx)
	defer cancel()

	site := s.cfg.Site
	if err := s.click(ctx, PhaseSearch, site.AllScopeRadio, "all-vehicles option"); err != nil {
		return err
	}

	saved, err := s.page.Evaluate(ctx, site.SaveButton.ClickScript())
	if err != nil && errors.Is(err, ErrDisconnected) {
		return s.fail(PhaseSearch, err, KindTimeout, "saving search settings")
	}
	s.logger.Debug("Search settings saved.", zap.Bool("clicked", truthy(saved)))

	if err := s.click(ctx, PhaseSearch, site.SearchButton, "search button"); err != nil {
		return err
	}

	ok, err := s.poll(ctx, s.cfg.Timeouts.Search, site.ResultsReady)
	if err != nil {
		return s.fail(PhaseSearch, err, KindTimeout, "waiting for results")
	}
	if !ok {
		return NewError(KindTimeout, PhaseSearch, "results page not ready after "+s.cfg.Timeouts.Search.String(), nil)
	}

	s.logLinks(ctx, "Links on results page.")
	s.transition(StateExporting)
	return nil
}

// TriggerExport clicks the CSV export link. The click can stay pending
// until the confirmation dialog is answered; the export counts as accepted
// once the interceptor has answered a dialog raised after the click began.
func (s *Session) TriggerExport(ctx context.Context) error {
	if err := s.require(PhaseExport, StateExporting); err != nil {
		return err
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	exportCtx, cancelExport := context.WithTimeout(ctx, s.cfg.Timeouts.Export)
	defer cancelExport()

	before := s.interceptor.Resolved()
	s.watcher.Mark()
	startedAt := s.now()

	s.logger.Info("Requesting CSV export.")
	if err := s.click(exportCtx, PhaseExport, s.cfg.Site.ExportLink, "CSV export link"); err != nil {
		return err
	}

	if err := s.interceptor.WaitResolved(exportCtx, before); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return NewError(KindTimeout, PhaseExport, "export confirmation not observed within "+s.cfg.Timeouts.Export.String(), err)
		}
		return s.fail(PhaseExport, err, KindTimeout, "waiting for export confirmation")
	}

	s.mu.Lock()
	s.exportAt = startedAt
	s.mu.Unlock()
	s.transition(StateAwaitingDownload)
	return nil
}

// AwaitDownload waits for the exported file in the staging directory and
// moves it into the download directory as <userID>_<name>. It returns the
// final path.
func (s *Session) AwaitDownload(ctx context.Context) (string, error) {
	if err := s.require(PhaseDownload, StateAwaitingDownload); err != nil {
		return "", err
	}
	ctx, cancel := s.operation(ctx)
	defer cancel()

	s.mu.Lock()
	startedAfter := s.exportAt
	s.mu.Unlock()

	artifact, err := s.watcher.Await(ctx, startedAfter)
	if err != nil {
		return "", s.fail(PhaseDownload, err, KindDownloadTimeout, "waiting for download")
	}

	path, err := artifact.MoveTo(s.cfg.DownloadDir, s.cfg.Credentials.UserID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.artifact = artifact
	s.mu.Unlock()

	s.logger.Info("CSV saved.", zap.String("path", path), zap.Int64("size", artifact.Size))
	s.transition(StateComplete)
	return path, nil
}

// Run performs the whole scrape under the overall timeout and always tears
// the browser down. It returns the final CSV path or the first error.
func (s *Session) Run(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Overall)
	defer cancel()

	s.mu.Lock()
	passwordSet := !s.password.Wiped()
	s.mu.Unlock()
	s.logger.Info("Starting scrape.", zap.Bool("password_set", passwordSet))

	steps := []struct {
		phase Phase
		run   func(context.Context) error
	}{
		{PhaseInitialize, s.Initialize},
		{PhaseLogin, s.Login},
		{PhaseSearchCriteria, s.OpenSearchCriteria},
		{PhaseSearch, s.SubmitSearch},
		{PhaseExport, s.TriggerExport},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return "", s.abort(ctx, err)
		}
	}

	path, err := s.AwaitDownload(ctx)
	if err != nil {
		return "", s.abort(ctx, err)
	}

	if err := s.closeFor(ctx); err != nil {
		s.logger.Warn("Closing browser failed.", zap.Error(err))
	}
	return path, nil
}

func (s *Session) abort(ctx context.Context, err error) error {
	s.transition(StateFailed)
	s.logger.Error("Scrape failed.", zap.Error(err))
	if closeErr := s.closeFor(ctx); closeErr != nil {
		s.logger.Warn("Closing browser after failure failed.", zap.Error(closeErr))
	}
	return err
}

// closeFor closes with a fresh deadline; ctx may already be done.
func (s *Session) closeFor(ctx context.Context) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Timeouts.Close)
	defer cancel()
	return s.Close(closeCtx)
}

// Close stops the interceptor, closes the browser, removes the staging
// directory and wipes the password.
// It is safe to call in any state and more than once; only the first call
// does anything. The lifecycle state is not changed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	page, interceptor, staging := s.page, s.interceptor, s.staging
	s.page = nil
	s.password.Wipe()
	s.mu.Unlock()

	if interceptor != nil {
		interceptor.Stop()
	}

	var closeErr error
	if page != nil {
		s.logger.Debug("Closing browser.")
		if err := page.Close(ctx); err != nil {
			closeErr = NewError(KindConnection, PhaseClose, "closing browser", err)
		}
	}
	if staging != "" {
		if err := os.RemoveAll(staging); err != nil && closeErr == nil {
			closeErr = NewError(KindIO, PhaseClose, "removing staging directory", err)
		}
	}
	return closeErr
}

// click polls until the element is found and clicked, or the step timeout
// passes.
func (s *Session) click(ctx context.Context, phase Phase, q ElementQuery, what string) error {
	ok, err := s.poll(ctx, s.cfg.Timeouts.Step, q.ClickScript())
	if err != nil {
		return s.fail(phase, err, KindTimeout, "clicking "+what)
	}
	if !ok {
		return NewError(KindNotFound, phase, fmt.Sprintf("%s not found (%s)", what, q.Describe()), nil)
	}
	s.logger.Debug("Clicked.", zap.String("element", what))
	return nil
}

func (s *Session) logLinks(ctx context.Context, msg string) {
	if !s.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	if v, err := s.page.Evaluate(ctx, linkTextsScript); err == nil {
		text, _ := v.(string)
		s.logger.Debug(msg, zap.String("links", text))
	}
}
