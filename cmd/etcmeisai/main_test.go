package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/tomyan/etcmeisai/internal/config"
	"github.com/tomyan/etcmeisai/internal/observability"
	"github.com/tomyan/etcmeisai/internal/scraper"
	"github.com/tomyan/etcmeisai/internal/service"
)

type fakeProvider struct {
	cfg  *config.Config
	reqs []service.Request
	errs map[string]error
}

func (p *fakeProvider) Create(cfg *config.Config, _ *zap.Logger) scrapeRunner {
	p.cfg = cfg
	return p
}

func (p *fakeProvider) Scrape(_ context.Context, req service.Request) (*service.Result, error) {
	p.reqs = append(p.reqs, req)
	if err := p.errs[req.UserID]; err != nil {
		return nil, err
	}
	path := filepath.Join(req.DownloadPath, req.UserID+"_report.csv")
	return &service.Result{CSVPath: path, CSVContent: []byte("a,b\n")}, nil
}

func (p *fakeProvider) ScrapeAll(ctx context.Context, reqs []service.Request) []service.Outcome {
	outcomes := make([]service.Outcome, len(reqs))
	for i, req := range reqs {
		res, err := p.Scrape(ctx, req)
		outcomes[i] = service.Outcome{UserID: req.UserID, Result: res, Err: err}
	}
	return outcomes
}

// setup isolates a test from the caller's environment and working directory.
func setup(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{"ETC_USERNAME", "ETC_PASSWORD", "ETC_ACCOUNTS", "ETC_SCRAPE_DOWNLOAD_DIR"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

func runCLI(t *testing.T, p *fakeProvider, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr, p)
	return code, stdout.String(), stderr.String()
}

func TestFetch_UsesEnvironmentCredentials(t *testing.T) {
	setup(t)
	t.Setenv("ETC_USERNAME", "user1")
	t.Setenv("ETC_PASSWORD", "hunter2")
	p := &fakeProvider{}

	code, stdout, stderr := runCLI(t, p, "fetch", "--download-dir", "out", "--headless=false", "--timeout", "90s")

	if code != ExitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	want := []service.Request{{UserID: "user1", Password: "hunter2", DownloadPath: "out", Headless: false, Timeout: 90 * time.Second}}
	if diff := cmp.Diff(want, p.reqs); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}

	var res FetchResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout)
	}
	if res.CSVPath != filepath.Join("out", "user1_report.csv") || res.Bytes != 4 {
		t.Errorf("result = %+v", res)
	}
	if strings.Contains(stderr, "hunter2") {
		t.Error("password leaked into logs")
	}
}

func TestFetch_TextOutput(t *testing.T) {
	setup(t)
	p := &fakeProvider{}

	code, stdout, _ := runCLI(t, p, "fetch", "-o", "text", "-u", "user2", "--password", "pw")

	if code != ExitSuccess {
		t.Fatalf("exit code = %d", code)
	}
	if got := strings.TrimSpace(stdout); got != filepath.Join("downloads", "user2_report.csv") {
		t.Errorf("stdout = %q", got)
	}
}

func TestFetch_NoCredentials(t *testing.T) {
	setup(t)

	code, _, stderr := runCLI(t, &fakeProvider{}, "fetch")

	if code != ExitError {
		t.Errorf("exit code = %d, want %d", code, ExitError)
	}
	if !strings.Contains(stderr, "no credentials") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestFetch_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"connection", scraper.NewError(scraper.KindConnection, scraper.PhaseInitialize, "launching browser", nil), ExitConnFailed},
		{"timeout", scraper.NewError(scraper.KindTimeout, scraper.PhaseSearch, "results page", nil), ExitTimeout},
		{"download timeout", scraper.NewError(scraper.KindDownloadTimeout, scraper.PhaseDownload, "", nil), ExitTimeout},
		{"auth", scraper.NewError(scraper.KindAuthentication, scraper.PhaseLogin, "", nil), ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup(t)
			t.Setenv("ETC_USERNAME", "user1")
			t.Setenv("ETC_PASSWORD", "pw")
			p := &fakeProvider{errs: map[string]error{"user1": tt.err}}

			code, stdout, stderr := runCLI(t, p, "fetch")

			if code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
			if stdout != "" {
				t.Errorf("unexpected stdout %q", stdout)
			}
			if !strings.Contains(stderr, "error: fetch user1: ") {
				t.Errorf("stderr = %q", stderr)
			}
		})
	}
}

func TestBatch_ReportsEveryAccount(t *testing.T) {
	setup(t)
	t.Setenv("ETC_ACCOUNTS", `[{"user_id":"user1","password":"p1"},{"user_id":"user2","password":"p2"}]`)
	failure := scraper.NewError(scraper.KindTimeout, scraper.PhaseExport, "export dialog never appeared", nil)
	p := &fakeProvider{errs: map[string]error{"user2": failure}}

	code, stdout, stderr := runCLI(t, p, "batch", "--concurrency", "2")

	if code != ExitTimeout {
		t.Errorf("exit code = %d, want %d (stderr %s)", code, ExitTimeout, stderr)
	}
	if p.cfg.Scrape.Concurrency != 2 {
		t.Errorf("concurrency = %d", p.cfg.Scrape.Concurrency)
	}

	var res BatchResult
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("stdout is not JSON: %v\n%s", err, stdout)
	}
	want := BatchResult{
		Failed: 1,
		Accounts: []AccountResult{
			{UserID: "user1", CSVPath: filepath.Join("downloads", "user1_report.csv"), Bytes: 4},
			{UserID: "user2", Error: failure.Error(), Kind: "timeout", Retryable: true},
		},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("batch result (-want +got):\n%s", diff)
	}
	if !strings.Contains(stderr, "1 of 2 accounts failed (first: user2)") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestBatch_NoAccounts(t *testing.T) {
	setup(t)

	code, _, stderr := runCLI(t, &fakeProvider{}, "batch")

	if code != ExitError || !strings.Contains(stderr, "no accounts") {
		t.Errorf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestConfigFileAndEnvFile(t *testing.T) {
	setup(t)
	if err := os.WriteFile("etcmeisai.yaml", []byte("scrape:\n  download_dir: from-yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(".env", []byte("ETC_USERNAME=dotenv-user\nETC_PASSWORD=dotenv-pw\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("ETC_USERNAME")
		os.Unsetenv("ETC_PASSWORD")
	})
	p := &fakeProvider{}

	code, _, stderr := runCLI(t, p, "fetch")

	if code != ExitSuccess {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if len(p.reqs) != 1 || p.reqs[0].UserID != "dotenv-user" || p.reqs[0].DownloadPath != "from-yaml" {
		t.Errorf("requests = %+v", p.reqs)
	}
}

func TestInvalidConfiguration(t *testing.T) {
	setup(t)

	code, _, stderr := runCLI(t, &fakeProvider{}, "version", "--log-format", "xml")

	if code != ExitError || !strings.Contains(stderr, "invalid configuration") {
		t.Errorf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestUnknownOutputFormat(t *testing.T) {
	setup(t)

	code, _, stderr := runCLI(t, &fakeProvider{}, "version", "-o", "yaml")

	if code != ExitError || !strings.Contains(stderr, "unknown output format") {
		t.Errorf("exit code = %d, stderr = %q", code, stderr)
	}
}

func TestVersion(t *testing.T) {
	setup(t)

	code, stdout, _ := runCLI(t, &fakeProvider{}, "version", "-o", "text")

	if code != ExitSuccess || strings.TrimSpace(stdout) != Version {
		t.Errorf("exit code = %d, stdout = %q", code, stdout)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitError},
		{fmt.Errorf("wrapped: %w", scraper.NewError(scraper.KindConnection, scraper.PhaseClose, "", nil)), ExitConnFailed},
		{scraper.NewError(scraper.KindDownloadTimeout, scraper.PhaseDownload, "", nil), ExitTimeout},
		{scraper.NewError(scraper.KindCanceled, scraper.PhaseLogin, "", context.Canceled), ExitError},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestFetch_PromptsForMissingPassword(t *testing.T) {
	setup(t)
	p := &fakeProvider{}
	var stdout, stderr bytes.Buffer
	var asked string
	a := &app{stdout: &stdout, stderr: &stderr, provider: p, readPassword: func(userID string) (string, error) {
		asked = userID
		return "typed", nil
	}}
	root := newRootCmd(a)
	root.SetArgs([]string{"fetch", "-u", "user3"})

	if err := root.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if asked != "user3" {
		t.Errorf("prompted for %q", asked)
	}
	if len(p.reqs) != 1 || p.reqs[0].Password != "typed" {
		t.Errorf("requests = %+v", p.reqs)
	}
}

func TestPromptPassword_NotATerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	_, err = promptPassword(f, &bytes.Buffer{})("user1")

	if !errors.Is(err, errNoCredentials) {
		t.Errorf("err = %v, want errNoCredentials", err)
	}
}
