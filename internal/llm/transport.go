package llm

import (
	"bytes"
	"io"
	"net/http"
	"sync"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// maxCapture bounds how much of a response body is kept for diagnostics.
const maxCapture = 4096

// CapturingTransport is an http.RoundTripper that keeps the last response
// status and the head of its body, so SDK errors that lose the server's
// message can still be logged. Thread-safe.
type CapturingTransport struct {
	Base http.RoundTripper

	mu         sync.RWMutex
	lastStatus int
	lastBody   []byte
	lastURL    string
}

// RoundTrip implements http.RoundTripper
func (t *CapturingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	// Re-wrap so the caller can still read the full body
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))

	if len(body) > maxCapture {
		body = body[:maxCapture]
	}
	t.mu.Lock()
	t.lastStatus = resp.StatusCode
	t.lastBody = body
	t.lastURL = req.URL.Redacted()
	t.mu.Unlock()

	return resp, nil
}

// LastCapture returns the last captured response.
func (t *CapturingTransport) LastCapture() (status int, body []byte, url string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastStatus, t.lastBody, t.lastURL
}

// logFailure records the captured response for a failed call.
func (t *CapturingTransport) logFailure(provider string, err error) {
	status, body, url := t.LastCapture()
	if status == 0 {
		L_debug("llm: request failed before a response", "provider", provider, "error", err)
		return
	}
	L_debug("llm: request failed", "provider", provider, "status", status, "url", url,
		"type", ClassifyError(string(body)), "body", string(body))
}
