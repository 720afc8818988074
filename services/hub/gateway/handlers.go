package gateway

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"masond/services/hub/fault"
	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
)

func (g *Gateway) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	token, err := bearerToken(r)
	if err != nil {
		g.respondFault(w, err)
		return
	}

	pair, err := g.auth.Refresh(r.Context(), token)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

func (g *Gateway) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req registry.EnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondFault(w, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}
	if err := req.Validate(); err != nil {
		g.respondFault(w, err)
		return
	}

	if err := g.registry.Enroll(r.Context(), req); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, nil)
}

func (g *Gateway) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req registry.EnrollmentRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondFault(w, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}
	if err := req.Validate(); err != nil {
		g.respondFault(w, err)
		return
	}

	if err := g.registry.Accept(r.Context(), req); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleDecline(w http.ResponseWriter, r *http.Request) {
	claims, _ := caller(r)
	if err := g.registry.Decline(r.Context(), claims.AccountID); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleLeave(w http.ResponseWriter, r *http.Request) {
	claims, _ := caller(r)
	if err := g.registry.Leave(r.Context(), claims.AccountID); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := g.registry.Visible(r.Context())
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, endpoints)
}

type buildStatusRequest struct {
	BuildID uuid.UUID `json:"buildId"`
	Status  string    `json:"status"`
	Detail  string    `json:"detail,omitempty"`
	LogURI  string    `json:"logUri,omitempty"`
}

func (g *Gateway) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := callerEndpoint(r)
	if !ok {
		g.respondFault(w, fault.ErrUnauthenticated)
		return
	}

	var req buildStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondFault(w, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}
	if req.BuildID == uuid.Nil {
		g.respondFault(w, fmt.Errorf("%w: build id is required", fault.ErrInvalid))
		return
	}

	err := g.scheduler.Report(r.Context(), scheduler.ReportParams{
		BuildID:  req.BuildID,
		Reporter: endpoint.ID,
		Status:   scheduler.Status(req.Status),
		Detail:   req.Detail,
		LogURI:   req.LogURI,
	})
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type workStatusRequest struct {
	Status string `json:"status"`
}

func (g *Gateway) handleWorkStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := caller(r)

	var req workStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondFault(w, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}

	ws := registry.WorkStatus(req.Status)
	if ws != registry.WorkStatusIdle && ws != registry.WorkStatusRunning {
		g.respondFault(w, fmt.Errorf("%w: unknown work status %q", fault.ErrInvalid, req.Status))
		return
	}

	if err := g.registry.SetWorkStatus(r.Context(), claims.AccountID, ws); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := g.registry.Pending(r.Context())
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pending)
}

func (g *Gateway) pendingID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed endpoint id", fault.ErrInvalid)
	}
	return id, nil
}

func (g *Gateway) handleAcceptPending(w http.ResponseWriter, r *http.Request) {
	id, err := g.pendingID(r)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	if err := g.registry.AcceptPending(r.Context(), id); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleDeclinePending(w http.ResponseWriter, r *http.Request) {
	id, err := g.pendingID(r)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	if err := g.registry.DeclinePending(r.Context(), id); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, err := g.pendingID(r)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	if err := g.registry.Restore(r.Context(), id); err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (g *Gateway) handleTasks(w http.ResponseWriter, r *http.Request) {
	var status *scheduler.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := scheduler.Status(raw)
		status = &s
	}

	tasks, err := g.scheduler.Tasks(r.Context(), status)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tasks)
}

type enqueueRequest struct {
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

func (g *Gateway) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		g.respondFault(w, fmt.Errorf("%w: %v", fault.ErrInvalid, err))
		return
	}

	task, err := g.scheduler.Enqueue(r.Context(), scheduler.EnqueueParams{
		ProjectID:    req.ProjectID,
		ProfileID:    req.ProfileID,
		RepositoryID: req.RepositoryID,
		PackageID:    req.PackageID,
		Arch:         req.Arch,
		Description:  req.Description,
		CommitRef:    req.CommitRef,
		SourcePath:   req.SourcePath,
		Blockers:     req.Blockers,
	})
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.respondFault(w, fmt.Errorf("%w: malformed limit", fault.ErrInvalid))
			return
		}
		limit = parsed
	}

	entries, err := g.registry.Audit(r.Context(), limit)
	if err != nil {
		g.respondFault(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}
