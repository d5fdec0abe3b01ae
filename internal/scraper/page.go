package scraper

import "context"

// Dialog is a native JavaScript dialog raised by the page.
type Dialog struct {
	Type          string // "alert", "confirm", "prompt", "beforeunload"
	Message       string
	URL           string
	DefaultPrompt string
}

// Page is a single browser tab driven over the DevTools protocol.
// Connection-level failures wrap ErrDisconnected.
type Page interface {
	// Navigate loads url and returns once the load event fired.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the page and returns its JSON value.
	Evaluate(ctx context.Context, script string) (any, error)
	// Dialogs subscribes to dialog-opened events for the page's lifetime.
	// The channel closes when the page closes.
	Dialogs(ctx context.Context) (<-chan Dialog, error)
	// HandleDialog answers the dialog currently showing.
	HandleDialog(ctx context.Context, accept bool, promptText string) error
	// SetDownloadDir makes downloads land in dir without prompting.
	SetDownloadDir(ctx context.Context, dir string) error
	// Close tears down the tab and the browser behind it.
	Close(ctx context.Context) error
}

// LaunchOptions configures the browser a Launcher starts.
type LaunchOptions struct {
	Headless    bool
	DownloadDir string
}

// Launcher starts one browser per session and returns its page.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}
