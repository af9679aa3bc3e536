package flow

import (
	"context"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"b2c-session/pkg/logger"
)

// HandoffResultType is how the hosted-UI session ended
type HandoffResultType string

const (
	HandoffSuccess HandoffResultType = "success"
	HandoffCancel  HandoffResultType = "cancel"
	HandoffDismiss HandoffResultType = "dismiss"
)

// HandoffResult carries the URL the provider redirected to on success
type HandoffResult struct {
	Type HandoffResultType
	URL  string
}

// Handoff sends the user to authURL and waits until the provider redirects
// to redirectURL or the session is abandoned.
type Handoff interface {
	Open(ctx context.Context, authURL, redirectURL string) (*HandoffResult, error)
}

// bridgePage turns a fragment into a query string and reloads, so implicit
// results reach the server. An empty fragment reloads with empty=1.
const bridgePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Signing in…</title></head>
<body><p>Completing sign-in…</p>
<script>
var h = window.location.hash ? window.location.hash.substring(1) : "empty=1";
window.location.replace(window.location.pathname + "?" + h);
</script></body></html>`

var donePage = template.Must(template.New("done").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1>{{if .Description}}<p>{{.Description}}</p>{{end}}
<p>You can close this window and return to the terminal.</p></body></html>`))

// LoopbackHandoff opens the system browser and listens on the redirect URL's
// host and path for the provider's redirect.
type LoopbackHandoff struct {
	// Bridge serves the fragment bridge page for redirects without a query
	Bridge bool

	// Opener launches the browser. Defaults to OpenBrowser.
	Opener func(url string) error

	// Listen defaults to net.Listen
	Listen func(network, address string) (net.Listener, error)

	log *logger.Logger
}

func NewLoopbackHandoff(bridge bool, log *logger.Logger) *LoopbackHandoff {
	if log == nil {
		log = logger.NewNop()
	}
	return &LoopbackHandoff{
		Bridge: bridge,
		Opener: OpenBrowser,
		Listen: net.Listen,
		log:    log.Named("handoff"),
	}
}

// Open blocks until the redirect arrives or ctx is done. A done context
// resolves as a cancel result, not an error.
func (h *LoopbackHandoff) Open(ctx context.Context, authURL, redirectURL string) (*HandoffResult, error) {
	target, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	path := target.Path
	if path == "" {
		path = "/"
	}

	listen := h.Listen
	if listen == nil {
		listen = net.Listen
	}
	listener, err := listen("tcp", target.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server on %s: %w", target.Host, err)
	}

	resultCh := make(chan string, 1)
	var once sync.Once

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")

		if h.Bridge && r.URL.RawQuery == "" {
			_, _ = w.Write([]byte(bridgePage))
			return
		}

		handled := false
		once.Do(func() {
			handled = true
			q := r.URL.Query()
			data := map[string]string{"Title": "Done"}
			if e := q.Get("error"); e != "" {
				data["Title"] = "Authentication failed"
				data["Description"] = q.Get("error_description")
			}
			_ = donePage.Execute(w, data)

			result := redirectURL
			if r.URL.RawQuery != "" {
				result = redirectURL + "?" + r.URL.RawQuery
			}
			resultCh <- result
		})
		if !handled {
			http.Error(w, "Callback already processed", http.StatusBadRequest)
		}
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	opener := h.Opener
	if opener == nil {
		opener = OpenBrowser
	}
	h.log.Info("opening hosted UI", zap.String("redirect_url", redirectURL))
	if err := opener(authURL); err != nil {
		// The user can still open the URL by hand.
		h.log.Warn("could not open browser", zap.Error(err), zap.String("url", authURL))
	}

	select {
	case result := <-resultCh:
		return &HandoffResult{Type: HandoffSuccess, URL: result}, nil
	case err := <-serveErr:
		return nil, fmt.Errorf("callback server failed: %w", err)
	case <-ctx.Done():
		h.log.Info("hosted UI abandoned", zap.Error(ctx.Err()))
		return &HandoffResult{Type: HandoffCancel}, nil
	}
}

// OpenBrowser opens url in the default web browser
func OpenBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}
