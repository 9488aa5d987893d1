// Package apiclient talks to the backend's REST surface. The client uses it
// for out-of-band operations when no session transport is connected.
package apiclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gluk-w/claworc/shellkeeper/internal/logging"
	"github.com/gluk-w/claworc/shellkeeper/internal/profiles"
	"github.com/gluk-w/claworc/shellkeeper/internal/protocol"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned when the backend rejects the API token.
var ErrUnauthorized = errors.New("backend rejected the API token")

// Options configures a Client.
type Options struct {
	// ServerURL is the backend base URL, http(s) or ws(s).
	ServerURL string
	Token     string
	TLSConfig *tls.Config
	Timeout   time.Duration
	RetryMax  int
}

// Client is a REST client for the backend.
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
	log   zerolog.Logger
}

// New returns a client for opts.ServerURL.
func New(opts Options) (*Client, error) {
	base, err := httpBase(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = retryUnavailable
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = opts.Timeout
	if opts.TLSConfig != nil {
		if tr, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
			tr.TLSClientConfig = opts.TLSConfig
		}
	}

	return &Client{
		base:  base,
		token: opts.Token,
		http:  rc,
		log:   logging.For("api"),
	}, nil
}

// httpBase maps ws(s) URLs onto http(s) and strips trailing slashes.
func httpBase(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", raw)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

// retryUnavailable retries transport errors and gateway failures only.
// Operation replies such as 404 and 409 carry a result and are final.
func retryUnavailable(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return resp, nil
}

func httpError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var detail struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &detail) == nil && detail.Detail != "" {
		return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, detail.Detail)
	}
	return fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
}

// List returns the backend's suspended entries.
func (c *Client) List(ctx context.Context) ([]protocol.SuspendedSessionEntry, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/suspended", nil)
	if err != nil {
		return nil, fmt.Errorf("list suspended: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("list suspended", resp)
	}

	var list protocol.SuspendedList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode suspended list: %w", err)
	}
	if err := list.Validate(); err != nil {
		return nil, fmt.Errorf("suspended list: %w", err)
	}
	return list.Entries, nil
}

// Terminate kills a hanging shell.
func (c *Client) Terminate(ctx context.Context, suspendID string) (protocol.OperationResult, error) {
	return c.operation(ctx, "terminate", http.MethodPost, "/api/v1/suspended/"+url.PathEscape(suspendID)+"/terminate", nil)
}

// Remove deletes an entry whose shell the backend lost.
func (c *Client) Remove(ctx context.Context, suspendID string) (protocol.OperationResult, error) {
	return c.operation(ctx, "remove entry", http.MethodDelete, "/api/v1/suspended/"+url.PathEscape(suspendID), nil)
}

// Rename sets the custom name of an entry.
func (c *Client) Rename(ctx context.Context, suspendID, name string) (protocol.OperationResult, error) {
	return c.operation(ctx, "rename", http.MethodPut, "/api/v1/suspended/"+url.PathEscape(suspendID)+"/name", map[string]string{
		"name": name,
	})
}

// operation decodes an OperationResult. Refusals such as 404 and 409 come
// back as a result with Success false, not as an error.
func (c *Client) operation(ctx context.Context, op, method, path string, body interface{}) (protocol.OperationResult, error) {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return protocol.OperationResult{}, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return protocol.OperationResult{}, fmt.Errorf("%s: read body: %w", op, err)
	}
	var result protocol.OperationResult
	if err := json.Unmarshal(raw, &result); err != nil || result.SuspendID == "" {
		return protocol.OperationResult{}, fmt.Errorf("%s: HTTP %d: %s", op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := result.Validate(); err != nil {
		return protocol.OperationResult{}, fmt.Errorf("%s: %w", op, err)
	}
	c.log.Debug().Str("op", op).Str("suspend_id", result.SuspendID).Bool("success", result.Success).Int("status", resp.StatusCode).Msg("operation answered")
	return result, nil
}

// Profiles returns the backend's connection profiles without credentials.
func (c *Client) Profiles(ctx context.Context) ([]profiles.Summary, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/profiles", nil)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("list profiles", resp)
	}

	var out struct {
		Profiles []profiles.Summary `json:"profiles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode profiles: %w", err)
	}
	return out.Profiles, nil
}

// Catalog exposes the backend's profiles as a profiles.Catalog. The
// returned profiles carry no credentials.
func (c *Client) Catalog(timeout time.Duration) profiles.Catalog {
	return &remoteCatalog{c: c, timeout: timeout}
}

type remoteCatalog struct {
	c       *Client
	timeout time.Duration
}

func (rc *remoteCatalog) List() ([]profiles.Profile, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()
	sums, err := rc.c.Profiles(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]profiles.Profile, 0, len(sums))
	for _, s := range sums {
		out = append(out, profiles.Profile{
			ID:          s.ID,
			DisplayName: s.DisplayName,
			Type:        s.Type,
			Host:        s.Host,
			Port:        s.Port,
			Username:    s.Username,
		})
	}
	return out, nil
}

func (rc *remoteCatalog) Resolve(id string) (profiles.Profile, error) {
	all, err := rc.List()
	if err != nil {
		return profiles.Profile{}, err
	}
	for _, p := range all {
		if p.ID == id {
			return p, nil
		}
	}
	return profiles.Profile{}, fmt.Errorf("%w: %s", profiles.ErrProfileNotFound, id)
}
