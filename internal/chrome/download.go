package chrome

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/browser"
)

// SetDownloadDir makes the browser save downloads into dir under their
// suggested file names, without prompting.
func (c *Client) SetDownloadDir(ctx context.Context, dir string) error {
	params := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
		WithDownloadPath(dir).
		WithEventsEnabled(true)
	if _, err := c.Call(ctx, browser.CommandSetDownloadBehavior, params); err != nil {
		return fmt.Errorf("setting download behavior: %w", err)
	}
	return nil
}
