package scraper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var errInterceptorStopped = errors.New("dialog interceptor stopped")

// Interceptor accepts every native dialog the page raises, on its own
// goroutine, so a command blocked behind a dialog can complete.
type Interceptor struct {
	page   Page
	grace  time.Duration
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	resolved uint64
	signal   chan struct{} // closed and replaced on every resolution
	err      *Error
}

// NewInterceptor returns an interceptor for page. Each dialog must be
// answered within grace.
func NewInterceptor(page Page, grace time.Duration, logger *zap.Logger) *Interceptor {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Interceptor{
		page:   page,
		grace:  grace,
		logger: logger.Named("dialog"),
		ctx:    ctx,
		cancel: cancel,
		signal: make(chan struct{}),
	}
}

// Install subscribes to dialog events and starts answering them. It returns
// as soon as the subscription exists.
func (i *Interceptor) Install(ctx context.Context) error {
	dialogs, err := i.page.Dialogs(ctx)
	if err != nil {
		return err
	}

	i.wg.Add(1)
	go i.run(dialogs)
	return nil
}

// Context is cancelled when the interceptor fails or stops. Its cause is
// the recorded *Error on failure.
func (i *Interceptor) Context() context.Context {
	return i.ctx
}

// Err returns the fatal error recorded by the interceptor, if any.
func (i *Interceptor) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.err == nil {
		return nil
	}
	return i.err
}

// Resolved returns how many dialogs have been accepted so far.
func (i *Interceptor) Resolved() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resolved
}

// WaitResolved blocks until more than after dialogs have been accepted.
func (i *Interceptor) WaitResolved(ctx context.Context, after uint64) error {
	for {
		i.mu.Lock()
		n, signal, failed := i.resolved, i.signal, i.err
		i.mu.Unlock()

		if n > after {
			return nil
		}
		if failed != nil {
			return failed
		}

		select {
		case <-signal:
		case <-i.ctx.Done():
			if i.Resolved() > after {
				return nil
			}
			if err := i.Err(); err != nil {
				return err
			}
			return context.Cause(i.ctx)
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// Stop ends the goroutine and waits for it. In-flight answers are abandoned.
func (i *Interceptor) Stop() {
	i.cancel(errInterceptorStopped)
	i.wg.Wait()
}

func (i *Interceptor) run(dialogs <-chan Dialog) {
	defer i.wg.Done()
	for {
		select {
		case <-i.ctx.Done():
			return
		case d, ok := <-dialogs:
			if !ok {
				return
			}
			if !i.accept(d) {
				return
			}
		}
	}
}

// accept answers one dialog. It returns false once the interceptor has failed.
func (i *Interceptor) accept(d Dialog) bool {
	i.logger.Info("Dialog opened, accepting.",
		zap.String("type", d.Type),
		zap.String("message", d.Message),
		zap.String("url", d.URL))

	ctx, cancel := context.WithTimeout(i.ctx, i.grace)
	defer cancel()

	promptText := ""
	if d.Type == "prompt" {
		promptText = d.DefaultPrompt
	}

	err := i.page.HandleDialog(ctx, true, promptText)
	switch {
	case err == nil:
	case i.ctx.Err() != nil:
		return false
	case errors.Is(err, context.DeadlineExceeded):
		i.fail(NewError(KindTimeout, PhaseDialog, "dialog not answered within "+i.grace.String(), err))
		return false
	case errors.Is(err, ErrDisconnected):
		i.fail(NewError(KindConnection, PhaseDialog, "answering dialog", err))
		return false
	default:
		i.logger.Warn("Could not answer dialog.", zap.Error(err))
		return true
	}

	i.mu.Lock()
	i.resolved++
	close(i.signal)
	i.signal = make(chan struct{})
	i.mu.Unlock()

	i.logger.Debug("Dialog accepted.", zap.String("type", d.Type))
	return true
}

func (i *Interceptor) fail(err *Error) {
	i.mu.Lock()
	if i.err == nil {
		i.err = err
	}
	i.mu.Unlock()

	i.logger.Error("Dialog interceptor failed.", zap.Error(err))
	i.cancel(err)
}
