package flow

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHandoff returns a hand-off bound to a pre-opened listener and the
// redirect URL that points at it.
func newTestHandoff(t *testing.T, bridge bool, path string) (*LoopbackHandoff, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	h := NewLoopbackHandoff(bridge, nil)
	h.Listen = func(string, string) (net.Listener, error) { return ln, nil }
	return h, "http://" + ln.Addr().String() + path
}

// get fetches rawURL from a helper goroutine; failures show up as a missing
// hand-off result instead.
func get(rawURL string) string {
	resp, err := http.Get(rawURL)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestLoopbackHandoff_Success(t *testing.T) {
	h, redirectURL := newTestHandoff(t, false, "/auth")

	var opened string
	h.Opener = func(u string) error {
		opened = u
		go get(redirectURL + "?code=abc")
		return nil
	}

	result, err := h.Open(context.Background(), "https://provider/authorize", redirectURL)
	require.NoError(t, err)
	assert.Equal(t, HandoffSuccess, result.Type)
	assert.Equal(t, redirectURL+"?code=abc", result.URL)
	assert.Equal(t, "https://provider/authorize", opened)
}

func TestLoopbackHandoff_FragmentBridge(t *testing.T) {
	h, redirectURL := newTestHandoff(t, true, "/")

	bridged := make(chan string, 1)
	h.Opener = func(string) error {
		go func() {
			bridged <- get(redirectURL)
			get(redirectURL + "?access_token=tok")
		}()
		return nil
	}

	result, err := h.Open(context.Background(), "https://provider/authorize", redirectURL)
	require.NoError(t, err)
	assert.Equal(t, HandoffSuccess, result.Type)
	assert.Equal(t, redirectURL+"?access_token=tok", result.URL)
	assert.Contains(t, <-bridged, "window.location.hash")
}

func TestLoopbackHandoff_Cancelled(t *testing.T) {
	h, redirectURL := newTestHandoff(t, false, "/auth")
	h.Opener = func(string) error { return nil }

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := h.Open(ctx, "https://provider/authorize", redirectURL)
	require.NoError(t, err)
	assert.Equal(t, HandoffCancel, result.Type)
}

func TestLoopbackHandoff_ListenFailure(t *testing.T) {
	h := NewLoopbackHandoff(false, nil)
	h.Listen = func(string, string) (net.Listener, error) { return nil, assert.AnError }

	_, err := h.Open(context.Background(), "https://provider/authorize", "http://127.0.0.1:1/auth")
	assert.Error(t, err)
}
