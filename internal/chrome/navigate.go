package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

// DefaultLoadTimeout bounds NavigateAndWait when the context has no deadline.
const DefaultLoadTimeout = 30 * time.Second

const eventLoadFired = "Page.loadEventFired"

// NavigateAndWait loads url in the target and waits for the load event.
// A navigation Chrome refuses outright (DNS failure, offline) is reported
// through NavigateResult.ErrorText, not as an error.
func (c *Client) NavigateAndWait(ctx context.Context, targetID string, url string) (*NavigateResult, error) {
	sessionID, err := c.attachToTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if _, err := c.CallSession(ctx, sessionID, page.CommandEnable, nil); err != nil {
		return nil, fmt.Errorf("enabling Page domain: %w", err)
	}

	loaded := c.subscribeEvent(sessionID, eventLoadFired)
	defer c.unsubscribeEvent(sessionID, eventLoadFired, loaded)

	raw, err := c.CallSession(ctx, sessionID, page.CommandNavigate, page.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("navigating to %s: %w", url, err)
	}
	var reply page.NavigateReturns
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("parsing navigate reply: %w", err)
	}

	result := &NavigateResult{
		FrameID:  string(reply.FrameID),
		LoaderID: string(reply.LoaderID),
		URL:      url,
	}
	if reply.ErrorText != "" {
		result.LoaderID = ""
		result.ErrorText = reply.ErrorText
		return result, nil
	}

	timer := time.NewTimer(DefaultLoadTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-loaded:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("waiting for load of %s: %w", url, context.DeadlineExceeded)
	}
}

// NewTab opens a tab on url (about:blank when empty) and returns its target ID.
func (c *Client) NewTab(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}
	raw, err := c.Call(ctx, target.CommandCreateTarget, target.CreateTarget(url))
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}
	var reply target.CreateTargetReturns
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", fmt.Errorf("parsing createTarget reply: %w", err)
	}
	return string(reply.TargetID), nil
}

// CloseTab closes the tab and forgets its session.
func (c *Client) CloseTab(ctx context.Context, targetID string) error {
	c.sessionsMu.Lock()
	delete(c.sessions, targetID)
	c.sessionsMu.Unlock()

	if _, err := c.Call(ctx, target.CommandCloseTarget, target.CloseTarget(target.ID(targetID))); err != nil {
		return fmt.Errorf("closing target: %w", err)
	}
	return nil
}
