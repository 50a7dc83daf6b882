// Package hostapi is the authenticated HTTP client to the host application: credential verification for the
// Basic-auth login path, and the reverse-reachability callback behind the /test/reverse_cookie self-test.
package hostapi

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds every call into the host application; a hung upstream must never wedge a connection actor.
const requestTimeout = 10 * time.Second

// Client calls the host application's HTTP endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client targeting baseURL. allowSelfSigned disables certificate verification, for deployments
// where the host application terminates TLS with a self-signed certificate the operator has already vetted.
func NewClient(baseURL string, allowSelfSigned bool) *Client {
	transport := http.DefaultTransport
	if allowSelfSigned {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout, Transport: transport},
	}
}

// VerifyCredentials issues a Basic-auth GET against the host application's UID endpoint. Authentication succeeds iff
// the response is a 2xx whose body is exactly user.
func (c *Client) VerifyCredentials(ctx context.Context, user, secret string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ocs/v2.php/cloud/user", nil)
	if err != nil {
		return false, fmt.Errorf("build credential check request: %w", err)
	}
	req.SetBasicAuth(user, secret)
	req.Header.Set("OCS-APIRequest", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("credential check request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, fmt.Errorf("read credential check response: %w", err)
	}

	return string(body) == user, nil
}

// ReverseCookie calls back into the host application's test-cookie endpoint. Exercises reverse reachability: the
// host application must be able to reach the push daemon's /test/reverse_cookie handler, which in turn calls this.
func (c *Client) ReverseCookie(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/index.php/apps/notify_push/test/cookie", nil)
	if err != nil {
		return "", fmt.Errorf("build reverse cookie request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("reverse cookie request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("reverse cookie request returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("read reverse cookie response: %w", err)
	}

	return string(body), nil
}
