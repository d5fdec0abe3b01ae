package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/page"
)

// DialogEvents enables the Page domain on the target and streams every
// native dialog it opens. The channel closes when cancel is called or the
// connection ends, whether or not anyone is still reading. The subscription is registered before Page.enable so a
// dialog that is already showing is reported too.
func (c *Client) DialogEvents(ctx context.Context, targetID string) (<-chan Dialog, func(), error) {
	raw, cancelRaw, err := c.Subscribe(ctx, targetID, "Page.javascriptDialogOpening")
	if err != nil {
		return nil, nil, err
	}

	if _, err := c.CallTarget(ctx, targetID, "Page.enable", nil); err != nil {
		cancelRaw()
		return nil, nil, fmt.Errorf("enabling Page domain: %w", err)
	}

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
		cancelRaw()
	}

	out := make(chan Dialog, eventBuffer)
	go func() {
		defer close(out)
		for params := range raw {
			var ev page.EventJavascriptDialogOpening
			if err := json.Unmarshal(params, &ev); err != nil {
				continue
			}
			d := Dialog{
				Type:          string(ev.Type),
				Message:       ev.Message,
				URL:           ev.URL,
				DefaultPrompt: ev.DefaultPrompt,
			}
			select {
			case out <- d:
			case <-done:
				return
			case <-c.closeCh:
				return
			}
		}
	}()

	return out, cancel, nil
}

// HandleDialog accepts or dismisses the dialog currently open on the target.
// promptText is only sent for prompt dialogs.
func (c *Client) HandleDialog(ctx context.Context, targetID string, accept bool, promptText string) error {
	params := page.HandleJavaScriptDialog(accept)
	if promptText != "" {
		params = params.WithPromptText(promptText)
	}
	if _, err := c.CallTarget(ctx, targetID, page.CommandHandleJavaScriptDialog, params); err != nil {
		return fmt.Errorf("handling dialog: %w", err)
	}
	return nil
}
