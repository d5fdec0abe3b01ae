package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := NewConfigFromViper(defaultViper())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1280, cfg.Browser.WindowWidth)
	assert.Equal(t, 800, cfg.Browser.WindowHeight)
	assert.Equal(t, 1, cfg.Scrape.Concurrency)
	assert.Equal(t, 10*time.Second, cfg.Scrape.Timeouts.DialogGrace)
	assert.Equal(t, 120*time.Second, cfg.Scrape.Timeouts.Overall)
	assert.Empty(t, cfg.AllAccounts())
}

func TestYAMLOverridesDefaults(t *testing.T) {
	yamlBytes := []byte(`
browser:
  headless: false
  extra_args: ["--lang=ja"]
scrape:
  download_dir: /tmp/meisai
  concurrency: 2
  timeouts:
    download: 45s
`)
	v := defaultViper()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, []string{"--lang=ja"}, cfg.Browser.ExtraArgs)
	assert.Equal(t, "/tmp/meisai", cfg.Scrape.DownloadDir)
	assert.Equal(t, 2, cfg.Scrape.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Scrape.Timeouts.Download)
	assert.Equal(t, 30*time.Second, cfg.Scrape.Timeouts.Export, "untouched default survives")
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
		want string
	}{
		{"format", "logger.format", "xml", "logger.format"},
		{"concurrency", "scrape.concurrency", 0, "scrape.concurrency must be a positive integer"},
		{"download dir", "scrape.download_dir", "", "scrape.download_dir is required"},
		{"window", "browser.window_width", 0, "browser.window_width"},
		{"negative timeout", "scrape.timeouts.export", "-1s", "export must not be negative"},
		{"dialog grace as long as step", "scrape.timeouts.dialog_grace", "15s", "dialog_grace (15s) must be shorter than step (15s)"},
		{"dialog grace beyond default step", "scrape.timeouts.dialog_grace", "20s", "must be shorter than step"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := defaultViper()
			v.Set(tt.key, tt.val)

			cfg, err := NewConfigFromViper(v)

			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), "invalid configuration")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("ETC_USERNAME", "user1")
	t.Setenv("ETC_PASSWORD", "hunter2")
	t.Setenv("ETC_SCRAPE_DOWNLOAD_DIR", "/var/tmp/etc")

	t.Chdir(t.TempDir())

	v, err := New("")
	require.NoError(t, err)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, Account{UserID: "user1", Password: "hunter2"}, cfg.Credentials)
	assert.Equal(t, "/var/tmp/etc", cfg.Scrape.DownloadDir)
	assert.Equal(t, []Account{{UserID: "user1", Password: "hunter2"}}, cfg.AllAccounts())
}

func TestAccountsFromEnvironment(t *testing.T) {
	t.Setenv("ETC_USERNAME", "single")
	t.Setenv("ETC_ACCOUNTS", `[{"user_id":"user1","password":"pass1"},{"user_id":"user2","password":"pass2"}]`)

	cfg, err := NewConfigFromViper(defaultViper())
	require.NoError(t, err)

	assert.Equal(t, []Account{
		{UserID: "user1", Password: "pass1"},
		{UserID: "user2", Password: "pass2"},
	}, cfg.AllAccounts())
}

func TestParseAccounts(t *testing.T) {
	_, err := ParseAccounts(`not json`)
	assert.ErrorContains(t, err, "ETC_ACCOUNTS")

	_, err = ParseAccounts(`[{"password":"x"}]`)
	assert.ErrorContains(t, err, "user_id is empty")

	accounts, err := ParseAccounts(`[]`)
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestNewReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etcmeisai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger:\n  level: debug\n"), 0o644))

	v, err := New(path)
	require.NoError(t, err)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
}

func TestNewRejectsBrokenYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etcmeisai.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger: [unterminated\n"), 0o644))

	_, err := New(path)
	assert.ErrorContains(t, err, "error reading config file")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "absent.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ETC_TEST_FROM_DOTENV=yes\n"), 0o600))
	t.Setenv("ETC_TEST_FROM_DOTENV", "")
	os.Unsetenv("ETC_TEST_FROM_DOTENV")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "yes", os.Getenv("ETC_TEST_FROM_DOTENV"))
}

func TestLoadEnvFileKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ETC_TEST_PRESET=file\n"), 0o600))
	t.Setenv("ETC_TEST_PRESET", "process")

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "process", os.Getenv("ETC_TEST_PRESET"))
}
