package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjst-t/proxmox-bmc/internal/bmc"
	"github.com/tjst-t/proxmox-bmc/internal/registry"
)

// Error is a failed control API call.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Username string
	Password string
	// InsecureTLS skips certificate verification, for daemons serving a
	// self-signed certificate.
	InsecureTLS bool
	Timeout     time.Duration
}

// Client talks to a running daemon.
type Client struct {
	base *url.URL
	http *http.Client
	user string
	pass string
}

// NewClient creates a client for the daemon at server, given as host:port or
// as a URL.
func NewClient(server string, opts ClientOptions) (*Client, error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parse server address: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q has no host", server)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		base: u,
		http: &http.Client{Timeout: opts.Timeout, Transport: transport},
		user: opts.Username,
		pass: opts.Password,
	}, nil
}

func (c *Client) List(ctx context.Context) ([]registry.Entry, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/bmcs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.BMCs, nil
}

func (c *Client) Show(ctx context.Context, vmid string) (registry.Entry, error) {
	var e registry.Entry
	err := c.do(ctx, http.MethodGet, "/v1/bmcs/"+url.PathEscape(vmid), nil, &e)
	return e, err
}

func (c *Client) Add(ctx context.Context, inst bmc.Instance) (registry.Entry, error) {
	var e registry.Entry
	err := c.do(ctx, http.MethodPost, "/v1/bmcs", inst, &e)
	return e, err
}

func (c *Client) Delete(ctx context.Context, vmid string) error {
	return c.do(ctx, http.MethodDelete, "/v1/bmcs/"+url.PathEscape(vmid), nil, nil)
}

func (c *Client) Start(ctx context.Context, vmid string) (registry.Entry, error) {
	var e registry.Entry
	err := c.do(ctx, http.MethodPost, "/v1/bmcs/"+url.PathEscape(vmid)+"/start", nil, &e)
	return e, err
}

func (c *Client) Stop(ctx context.Context, vmid string) (registry.Entry, error) {
	var e registry.Entry
	err := c.do(ctx, http.MethodPost, "/v1/bmcs/"+url.PathEscape(vmid)+"/stop", nil, &e)
	return e, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb ErrorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{StatusCode: resp.StatusCode, Message: eb.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
