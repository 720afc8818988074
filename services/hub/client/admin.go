package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"masond/services/hub/auth"
	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
)

// RefreshToken trades a still-valid account token for a fresh pair.
func (c *Client) RefreshToken(ctx context.Context, hostAddress, accountToken string) (auth.TokenResponse, error) {
	var pair auth.TokenResponse
	err := c.call(ctx, http.MethodPost, hostAddress, "/services/refresh_token", accountToken, nil, http.StatusOK, &pair)
	return pair, err
}

// Endpoints lists the endpoints visible to the caller.
func (c *Client) Endpoints(ctx context.Context, hostAddress, bearer string) ([]registry.Endpoint, error) {
	var out []registry.Endpoint
	err := c.call(ctx, http.MethodGet, hostAddress, "/services/endpoints", bearer, nil, http.StatusOK, &out)
	return out, err
}

// Pending lists enrollment requests awaiting an admin decision.
func (c *Client) Pending(ctx context.Context, hostAddress, bearer string) ([]registry.Endpoint, error) {
	var out []registry.Endpoint
	err := c.call(ctx, http.MethodGet, hostAddress, "/services/pending", bearer, nil, http.StatusOK, &out)
	return out, err
}

// AcceptPending approves a pending enrollment.
func (c *Client) AcceptPending(ctx context.Context, hostAddress, bearer string, id uuid.UUID) error {
	return c.call(ctx, http.MethodPost, hostAddress, "/services/pending/"+id.String()+"/accept", bearer, nil, http.StatusOK, nil)
}

// DeclinePending refuses a pending enrollment.
func (c *Client) DeclinePending(ctx context.Context, hostAddress, bearer string, id uuid.UUID) error {
	return c.call(ctx, http.MethodPost, hostAddress, "/services/pending/"+id.String()+"/decline", bearer, nil, http.StatusOK, nil)
}

// Tasks lists tasks, optionally filtered to one status.
func (c *Client) Tasks(ctx context.Context, hostAddress, bearer, status string) ([]scheduler.Task, error) {
	path := "/services/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var out []scheduler.Task
	err := c.call(ctx, http.MethodGet, hostAddress, path, bearer, nil, http.StatusOK, &out)
	return out, err
}

type enqueuePayload struct {
	ProjectID    int64    `json:"projectId"`
	ProfileID    int64    `json:"profileId"`
	RepositoryID int64    `json:"repositoryId"`
	PackageID    string   `json:"packageId"`
	Arch         string   `json:"arch"`
	Description  string   `json:"description,omitempty"`
	CommitRef    string   `json:"commitRef"`
	SourcePath   string   `json:"sourcePath"`
	Blockers     []string `json:"blockers,omitempty"`
}

// Enqueue submits new buildable work.
func (c *Client) Enqueue(ctx context.Context, hostAddress, bearer string, p scheduler.EnqueueParams) (scheduler.Task, error) {
	var task scheduler.Task
	err := c.call(ctx, http.MethodPost, hostAddress, "/services/tasks", bearer, enqueuePayload{
		ProjectID:    p.ProjectID,
		ProfileID:    p.ProfileID,
		RepositoryID: p.RepositoryID,
		PackageID:    p.PackageID,
		Arch:         p.Arch,
		Description:  p.Description,
		CommitRef:    p.CommitRef,
		SourcePath:   p.SourcePath,
		Blockers:     p.Blockers,
	}, http.StatusCreated, &task)
	return task, err
}

// Restore returns a demoted endpoint to operational service.
func (c *Client) Restore(ctx context.Context, hostAddress, bearer string, id uuid.UUID) error {
	return c.call(ctx, http.MethodPost, hostAddress, "/services/endpoints/"+id.String()+"/restore", bearer, nil, http.StatusOK, nil)
}

// Audit returns the hub's most recent trust decisions.
func (c *Client) Audit(ctx context.Context, hostAddress, bearer string, limit int) ([]registry.AuditEntry, error) {
	path := "/services/audit"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var out []registry.AuditEntry
	err := c.call(ctx, http.MethodGet, hostAddress, path, bearer, nil, http.StatusOK, &out)
	return out, err
}

// Leave withdraws the caller's own endpoint from the farm.
func (c *Client) Leave(ctx context.Context, hostAddress, bearer string) error {
	return c.call(ctx, http.MethodPost, hostAddress, "/services/leave", bearer, nil, http.StatusOK, nil)
}

func (c *Client) call(ctx context.Context, method, hostAddress, path, bearer string, payload any, wantStatus int, dest any) error {
	endpoint, err := joinURL(hostAddress, path)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	return nil
}
