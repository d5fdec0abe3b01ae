package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/etcmeisai/internal/chrome"
	"github.com/tomyan/etcmeisai/internal/chrome/launcher"
)

// ChromeLauncher starts a local Chrome per session and drives it over the
// DevTools protocol.
type ChromeLauncher struct {
	ChromePath   string
	WindowWidth  int
	WindowHeight int
	ExtraArgs    []string
	StartTimeout time.Duration
	Logger       *zap.Logger
}

// Launch implements Launcher.
func (l *ChromeLauncher) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("chrome")

	inst, err := launcher.Launch(ctx, launcher.LaunchOptions{
		ChromePath:   l.ChromePath,
		Headless:     opts.Headless,
		WindowWidth:  l.WindowWidth,
		WindowHeight: l.WindowHeight,
		ExtraArgs:    l.ExtraArgs,
		StartTimeout: l.StartTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("launching chrome: %w", err)
	}

	if info, err := launcher.DetectRunning(ctx, "localhost", inst.Port); err == nil {
		logger.Info("Chrome started.",
			zap.String("browser", info.Browser),
			zap.String("protocol", info.Protocol),
			zap.Int("port", inst.Port),
			zap.Int("pid", inst.PID))
	}

	client, err := chrome.Connect(ctx, "localhost", inst.Port)
	if err != nil {
		inst.Stop()
		return nil, fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	p, err := NewChromePage(ctx, client, inst, logger)
	if err != nil {
		client.Close()
		inst.Stop()
		return nil, err
	}
	return p, nil
}

// Stopper is the part of a browser process a page tears down on Close.
type Stopper interface {
	Stop() error
}

type chromePage struct {
	client   *chrome.Client
	proc     Stopper
	targetID string
	logger   *zap.Logger

	mu          sync.Mutex
	unsubscribe []func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewChromePage opens a tab on client. proc, when non-nil, is stopped on
// Close.
func NewChromePage(ctx context.Context, client *chrome.Client, proc Stopper, logger *zap.Logger) (Page, error) {
	targetID, err := client.NewTab(ctx, "about:blank")
	if err != nil {
		return nil, wrapChromeErr(err)
	}
	return &chromePage{
		client:   client,
		proc:     proc,
		targetID: targetID,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

func wrapChromeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, chrome.ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	return err
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	result, err := p.client.NavigateAndWait(ctx, p.targetID, url)
	if err != nil {
		return wrapChromeErr(err)
	}
	if result.ErrorText != "" {
		return fmt.Errorf("navigating to %s: %s", url, result.ErrorText)
	}
	return nil
}

func (p *chromePage) Evaluate(ctx context.Context, script string) (any, error) {
	result, err := p.client.Eval(ctx, p.targetID, script)
	if err != nil {
		return nil, wrapChromeErr(err)
	}
	return result.Value, nil
}

func (p *chromePage) Dialogs(ctx context.Context) (<-chan Dialog, error) {
	events, cancel, err := p.client.DialogEvents(ctx, p.targetID)
	if err != nil {
		return nil, wrapChromeErr(err)
	}
	p.mu.Lock()
	p.unsubscribe = append(p.unsubscribe, cancel)
	p.mu.Unlock()

	out := make(chan Dialog)
	go func() {
		defer close(out)
		for ev := range events {
			d := Dialog{Type: ev.Type, Message: ev.Message, URL: ev.URL, DefaultPrompt: ev.DefaultPrompt}
			select {
			case out <- d:
			case <-p.done:
				return
			}
		}
	}()
	return out, nil
}

func (p *chromePage) HandleDialog(ctx context.Context, accept bool, promptText string) error {
	err := p.client.HandleDialog(ctx, p.targetID, accept, promptText)
	var pe *chrome.ProtocolError
	if errors.As(err, &pe) && strings.Contains(pe.Message, "No dialog is showing") {
		p.logger.Debug("Dialog already closed.")
		return nil
	}
	return wrapChromeErr(err)
}

func (p *chromePage) SetDownloadDir(ctx context.Context, dir string) error {
	return wrapChromeErr(p.client.SetDownloadDir(ctx, dir))
}

func (p *chromePage) Close(ctx context.Context) error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)

		p.mu.Lock()
		unsubscribe := p.unsubscribe
		p.unsubscribe = nil
		p.mu.Unlock()
		for _, cancel := range unsubscribe {
			cancel()
		}

		var errs []error
		select {
		case <-p.client.Done():
		default:
			if closeErr := p.client.CloseTab(ctx, p.targetID); closeErr != nil {
				errs = append(errs, closeErr)
			}
		}
		if closeErr := p.client.Close(); closeErr != nil {
			errs = append(errs, fmt.Errorf("closing connection: %w", closeErr))
		}
		if p.proc != nil {
			if stopErr := p.proc.Stop(); stopErr != nil {
				errs = append(errs, fmt.Errorf("stopping chrome: %w", stopErr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
