package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/cheese-lobby/internal/domain"
)

// RemoteClient looks up session tokens on an HTTP session service.
type RemoteClient struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type RemoteOption func(*RemoteClient)

func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(c *RemoteClient) { c.defaultTimeout = d }
}

func WithRemoteRetry(max int) RemoteOption {
	return func(c *RemoteClient) { c.retryMax = max }
}

func NewRemoteClient(baseURL string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 5 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sessionResponse struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// Lookup resolves token via GET /sessions/current.
func (c *RemoteClient) Lookup(ctx context.Context, token string) (domain.Identity, error) {
	var out sessionResponse
	if err := c.doJSON(ctx, fasthttp.MethodGet, "/sessions/current", token, &out); err != nil {
		return domain.Identity{}, err
	}
	if strings.TrimSpace(out.UserID) == "" {
		return domain.Identity{}, fmt.Errorf("%w: empty session", ErrUnauthenticated)
	}
	return domain.Identity{ID: out.UserID, Name: out.Name}, nil
}

func (c *RemoteClient) doJSON(ctx context.Context, method, path, token string, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("session request failed: %w", err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		switch {
		case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden || status == fasthttp.StatusNotFound:
			return fmt.Errorf("%w: session rejected (status=%d)", ErrUnauthenticated, status)
		case status < 200 || status >= 300:
			lastErr = fmt.Errorf("session service error: status=%d body=%s", status, truncate(string(resp.Body()), 256))
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (c *RemoteClient) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
