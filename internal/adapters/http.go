// Package adapters provides built-in integration adapters.
package adapters

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warekit/procflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// httpParams is the adapter configuration carried in an integration step's
// params block. The rendered payload is sent as the request body.
type httpParams struct {
	URL               string            `json:"url"`
	Method            string            `json:"method,omitempty"` // default POST
	Headers           map[string]string `json:"headers,omitempty"`
	Auth              *httpAuth         `json:"auth,omitempty"`
	Timeout           string            `json:"timeout,omitempty"`
	FollowRedirects   *bool             `json:"follow_redirects,omitempty"`
	MaxRedirects      int               `json:"max_redirects,omitempty"`
	TLSSkipVerify     bool              `json:"tls_skip_verify,omitempty"`
	FailOnErrorStatus bool              `json:"fail_on_error_status,omitempty"`
}

type httpAuth struct {
	Type        string `json:"type"` // bearer | basic | api_key
	Token       string `json:"token,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	HeaderName  string `json:"header_name,omitempty"`
	HeaderValue string `json:"header_value,omitempty"`
}

// HTTPAdapter posts workflow payloads to external HTTP endpoints. The
// response body lands in the step's output data under "body".
type HTTPAdapter struct {
	config HTTPConfig
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPAdapter{config: cfg}
}

func (a *HTTPAdapter) Name() string { return "http" }

func (a *HTTPAdapter) Invoke(ctx context.Context, rawParams json.RawMessage, payload any) (map[string]any, error) {
	var params httpParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"http adapter: invalid params: %s", err).WithCause(err)
		}
	}
	u, err := url.ParseRequestURI(params.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"http adapter: invalid url %q", params.URL)
	}

	method := strings.ToUpper(params.Method)
	if method == "" {
		method = http.MethodPost
	}

	timeout := a.config.DefaultTimeout
	if params.Timeout != "" {
		if d, err := time.ParseDuration(params.Timeout); err == nil {
			timeout = d
		}
	}

	var bodyReader io.Reader
	if payload != nil && method != http.MethodGet {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"http adapter: marshal payload: %s", err).WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, params.URL, bodyReader)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http adapter: build request: %s", err).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range params.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, params.Auth)

	// Always build a fresh client so per-step TLS and redirect settings
	// never leak into other steps.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if params.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if params.FollowRedirects != nil && !*params.FollowRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if params.MaxRedirects > 0 {
		limit := params.MaxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http adapter: request failed: %s", err).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http adapter: read response: %s", err).WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(contentType, "application/json"):
		if err := json.Unmarshal(bodyBytes, &parsedBody); err != nil {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	result := map[string]any{
		"status_code":  resp.StatusCode,
		"body":         parsedBody,
		"content_type": contentType,
		"duration_ms":  durationMs,
	}
	if params.FailOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"http adapter: server returned %d", resp.StatusCode).WithDetails(result)
	}
	return result, nil
}

func applyAuth(req *http.Request, auth *httpAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		req.SetBasicAuth(auth.Username, auth.Password)
	case "api_key":
		if auth.HeaderName != "" {
			req.Header.Set(auth.HeaderName, auth.HeaderValue)
		}
	}
}
