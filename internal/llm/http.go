package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// HTTPProvider calls a plain text-completion endpoint:
//
//	GET <baseURL>?text=<prompt>  ->  {"result": {"prompt": "<completion>"}}
type HTTPProvider struct {
	name    string
	baseURL string
	client  *http.Client
}

type httpCompletion struct {
	Result *struct {
		Prompt string `json:"prompt"`
	} `json:"result"`
}

// NewHTTPProvider creates a provider for the text endpoint at baseURL.
func NewHTTPProvider(name, baseURL string) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("http provider: invalid base URL %q", baseURL)
	}
	return &HTTPProvider{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{},
	}, nil
}

func (p *HTTPProvider) Name() string {
	return p.name
}

// Complete sends prompt and returns the completion. The deadline comes from ctx.
func (p *HTTPProvider) Complete(ctx context.Context, prompt string) (string, error) {
	u, _ := url.Parse(p.baseURL)
	q := u.Query()
	q.Set("text", prompt)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", p.name, ErrUnreachable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", classify(p.name, ctx.Err())
		}
		return "", classify(p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", classify(p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		L_debug("llm: http provider error status", "status", resp.StatusCode, "body", truncate(string(body), 200))
		return "", fmt.Errorf("%s: %w: status %d (%s)", p.name, ErrUnreachable, resp.StatusCode, ClassifyError(string(body)))
	}

	var out httpCompletion
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("%s: %w: %v", p.name, ErrMalformed, err)
	}
	if out.Result == nil || strings.TrimSpace(out.Result.Prompt) == "" {
		return "", fmt.Errorf("%s: %w: missing result.prompt", p.name, ErrMalformed)
	}
	return strings.TrimSpace(out.Result.Prompt), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
