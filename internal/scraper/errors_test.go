package scraper

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesOnlyItsSentinel(t *testing.T) {
	t.Parallel()

	all := []error{
		ErrConnection, ErrAuthentication, ErrNotFound, ErrTimeout,
		ErrDownloadTimeout, ErrIO, ErrInvalidState, ErrCanceled,
	}
	for kind := KindConnection; kind <= KindCanceled; kind++ {
		err := error(NewError(kind, PhaseLogin, "", nil))
		for _, sentinel := range all {
			assert.Equal(t, sentinel == sentinels[kind], errors.Is(err, sentinel), "%s vs %v", kind, sentinel)
		}
	}
}

func TestError_Retryable(t *testing.T) {
	t.Parallel()

	retryable := map[Kind]bool{
		KindConnection:      true,
		KindTimeout:         true,
		KindDownloadTimeout: true,
		KindAuthentication:  false,
		KindNotFound:        false,
		KindIO:              false,
		KindInvalidState:    false,
		KindCanceled:        false,
	}
	for kind, want := range retryable {
		assert.Equal(t, want, NewError(kind, PhaseSearch, "", nil).Retryable(), kind.String())
	}
}

func TestError_MessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("socket closed")
	err := NewError(KindConnection, PhaseExport, "clicking CSV export link", cause)

	assert.Equal(t, "export: connection error: clicking CSV export link: socket closed", err.Error())
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("scrape user1: %w", err)
	assert.Equal(t, KindConnection, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Zero(t, KindOf(cause))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	typed := NewError(KindNotFound, PhaseSearch, "x", nil)
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"typed passes through", typed, KindNotFound},
		{"disconnected", fmt.Errorf("eval: %w", ErrDisconnected), KindConnection},
		{"deadline", context.DeadlineExceeded, KindDownloadTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"other", errors.New("net::ERR_NAME_NOT_RESOLVED"), KindConnection},
	}
	for _, tt := range tests {
		got := classify(PhaseDownload, tt.err, KindDownloadTimeout, "")
		assert.Equal(t, tt.want, got.Kind, tt.name)
	}
	assert.Same(t, typed, classify(PhaseLogin, typed, KindTimeout, ""))
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for s := StateUninitialized; s <= StateFailed; s++ {
		assert.Equal(t, s == StateComplete || s == StateFailed, s.Terminal(), s.String())
	}
}
