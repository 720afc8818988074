// Package client makes the hub's outbound calls: enrollment delivery,
// acceptance, and work order dispatch to remote peers, plus the
// authenticate handshake used by the admin CLI.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
)

const requestTimeout = 15 * time.Second

// Client is an HTTP client for remote farm services.
type Client struct {
	http *http.Client
}

// New creates a Client.
func New() *Client {
	return &Client{
		http: &http.Client{Timeout: requestTimeout},
	}
}

// Enroll delivers an enrollment request to a peer.
func (c *Client) Enroll(ctx context.Context, hostAddress string, req registry.EnrollmentRequest) error {
	return c.post(ctx, hostAddress, "/services/enroll", "", req, http.StatusAccepted)
}

// Accept tells a peer its enrollment was approved, carrying the hub's own
// descriptor and the credential minted for the peer.
func (c *Client) Accept(ctx context.Context, hostAddress, bearer string, req registry.EnrollmentRequest) error {
	return c.post(ctx, hostAddress, "/services/accept", bearer, req, http.StatusOK)
}

// Decline tells a peer its enrollment was refused.
func (c *Client) Decline(ctx context.Context, hostAddress, bearer string) error {
	return c.post(ctx, hostAddress, "/services/decline", bearer, nil, http.StatusOK)
}

// Build pushes a work order to a builder.
func (c *Client) Build(ctx context.Context, hostAddress, bearer string, order scheduler.PackageBuild) error {
	return c.post(ctx, hostAddress, "/services/build", bearer, order, http.StatusOK)
}

func (c *Client) post(ctx context.Context, hostAddress, path, bearer string, payload any, wantStatus int) error {
	return c.call(ctx, http.MethodPost, hostAddress, path, bearer, payload, wantStatus, nil)
}

func joinURL(hostAddress, path string) (string, error) {
	base, err := url.Parse(hostAddress)
	if err != nil {
		return "", fmt.Errorf("parse host address %q: %w", hostAddress, err)
	}
	if base.Scheme == "" {
		return "", fmt.Errorf("host address %q has no scheme", hostAddress)
	}
	path, query, _ := strings.Cut(path, "?")
	base.Path = strings.TrimRight(base.Path, "/") + path
	base.RawQuery = query
	return base.String(), nil
}
