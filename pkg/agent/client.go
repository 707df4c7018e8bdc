package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"yawm/pkg/api"
	"yawm/pkg/model"
)

// StatusError is returned for any non-2xx controller response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("controller returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// IsNotFound reports whether err is a 404 from the controller, i.e. the node
// is not registered or its record expired.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client talks to the controller's mesh endpoints.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient returns a client for controller. A nil hc uses a client with a
// 30s timeout.
func NewClient(controller, token string, hc *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(controller, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse controller url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("controller url must be http or https, got %q", controller)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: u, token: token, http: hc}, nil
}

// Register announces this node in meshID.
func (c *Client) Register(ctx context.Context, meshID string, req api.RegisterRequest) (api.RegisterResponse, error) {
	var out api.RegisterResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, http.MethodPost, c.meshPath(meshID, "register"), bytes.NewReader(body), "application/json")
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// FetchConfig returns the rendered wg-quick config for this node.
func (c *Client) FetchConfig(ctx context.Context, meshID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.meshPath(meshID, "config"), nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}
	return string(b), nil
}

// Members lists the other live nodes of meshID.
func (c *Client) Members(ctx context.Context, meshID string) ([]model.NodeRecord, error) {
	resp, err := c.do(ctx, http.MethodGet, c.meshPath(meshID, "members"), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out api.MembersResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	return out.Members, nil
}

func (c *Client) meshPath(meshID, op string) string {
	return "/mesh/" + url.PathEscape(meshID) + "/" + op
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// BuildHTTPClient returns an HTTP client trusting caFile and presenting the
// client certificate when both certFile and keyFile are set.
func BuildHTTPClient(caFile, certFile, keyFile string, insecure bool, timeout time.Duration) (*http.Client, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12} //nolint:gosec
	if caFile != "" {
		caData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		tlsConfig.RootCAs = pool
	}
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
