package scraper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tomyan/etcmeisai/internal/chrome"
	"github.com/tomyan/etcmeisai/internal/testutil"
)

type countingStopper struct {
	stops atomic.Int32
}

func (c *countingStopper) Stop() error {
	c.stops.Add(1)
	return nil
}

func newChromePageForTest(t *testing.T, fb *testutil.FakeBrowser) (Page, *countingStopper) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := chrome.Dial(ctx, fb.WebSocketURL())
	require.NoError(t, err)
	proc := &countingStopper{}
	page, err := NewChromePage(ctx, client, proc, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { page.Close(context.Background()) })
	return page, proc
}

func TestChromePage_EvaluateAndNavigate(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Runtime.evaluate", testutil.Reply(map[string]any{"result": map[string]any{"type": "boolean", "value": true}}))
	fb.Handle("Page.navigate", func(context.Context, testutil.Call) (any, error) {
		fb.Emit("S1", "Page.loadEventFired", map[string]float64{"timestamp": 1})
		return map[string]string{"frameId": "F1"}, nil
	})
	page, _ := newChromePageForTest(t, fb)
	ctx := context.Background()

	require.NoError(t, page.Navigate(ctx, "https://www.etc-meisai.jp/"))
	v, err := page.Evaluate(ctx, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestChromePage_NavigateErrorText(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Page.navigate", testutil.Reply(map[string]string{"frameId": "F1", "errorText": "net::ERR_INTERNET_DISCONNECTED"}))
	page, _ := newChromePageForTest(t, fb)

	err := page.Navigate(context.Background(), "https://www.etc-meisai.jp/")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERR_INTERNET_DISCONNECTED")
	assert.Equal(t, KindConnection, classify(PhaseLogin, err, KindTimeout, "").Kind)
}

func TestChromePage_DialogRoundTrip(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	page, _ := newChromePageForTest(t, fb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialogs, err := page.Dialogs(ctx)
	require.NoError(t, err)

	require.NoError(t, fb.Emit("S1", "Page.javascriptDialogOpening", map[string]any{
		"url": "https://www.etc-meisai.jp/", "frameId": "F1", "message": "出力しますか？",
		"type": "confirm", "hasBrowserHandler": false, "defaultPrompt": "",
	}))

	select {
	case d := <-dialogs:
		assert.Equal(t, Dialog{Type: "confirm", Message: "出力しますか？", URL: "https://www.etc-meisai.jp/"}, d)
	case <-ctx.Done():
		t.Fatal("dialog not delivered")
	}

	require.NoError(t, page.HandleDialog(ctx, true, ""))
	_, err = fb.WaitForCall(ctx, "Page.handleJavaScriptDialog")
	require.NoError(t, err)
}

func TestChromePage_NoDialogShowingIsNotAnError(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	fb.Handle("Page.handleJavaScriptDialog", testutil.Fail(-32602, "No dialog is showing"))
	page, _ := newChromePageForTest(t, fb)

	assert.NoError(t, page.HandleDialog(context.Background(), true, ""))
}

func TestChromePage_DisconnectWrapsErrDisconnected(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	page, _ := newChromePageForTest(t, fb)
	cp := page.(*chromePage)

	fb.Disconnect()
	select {
	case <-cp.client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client did not notice disconnect")
	}

	_, err := page.Evaluate(context.Background(), "1")
	require.ErrorIs(t, err, ErrDisconnected)
	assert.True(t, errors.Is(err, chrome.ErrConnectionClosed))
}

func TestChromePage_CloseOnce(t *testing.T) {
	t.Parallel()

	fb := testutil.NewFakeBrowser(t)
	page, proc := newChromePageForTest(t, fb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialogs, err := page.Dialogs(ctx)
	require.NoError(t, err)

	require.NoError(t, page.Close(ctx))
	require.NoError(t, page.Close(ctx))

	assert.Equal(t, int32(1), proc.stops.Load())
	_, err = fb.WaitForCall(ctx, "Target.closeTarget")
	require.NoError(t, err)

	select {
	case _, ok := <-dialogs:
		assert.False(t, ok, "dialog channel closed")
	case <-ctx.Done():
		t.Fatal("dialog channel left open")
	}
}
