// Package scheduler owns the build task queue: dependency blocking,
// builder allocation, and lifecycle tracking from status reports.
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status string

const (
	// StatusPending is the creation state before blocker evaluation.
	StatusPending Status = "pending"
	// StatusBlocked means at least one blocker is unresolved.
	StatusBlocked Status = "blocked"
	// StatusQueued means the task is eligible for allocation.
	StatusQueued Status = "queued"
	// StatusAllocated means a builder owns the task but has not started.
	StatusAllocated Status = "allocated"
	// StatusBuilding means the builder reported the build underway.
	StatusBuilding Status = "building"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal failure. Retry means a new task row.
	StatusFailed Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// reportable holds the transitions a builder may report. Everything else
// (queueing, allocation, release) is driven by the scheduler itself.
var reportable = map[Status][]Status{
	StatusAllocated: {StatusBuilding, StatusFailed},
	StatusBuilding:  {StatusCompleted, StatusFailed},
}

// CanReport reports whether a builder status report moving from one state
// to another is acceptable.
func CanReport(from, to Status) bool {
	for _, next := range reportable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is one build unit. Terminal rows are kept forever as build history.
type Task struct {
	ID               int64      `json:"id" db:"id"`
	BuildID          uuid.UUID  `json:"buildId" db:"build_id"`
	ProjectID        int64      `json:"projectId" db:"project_id"`
	ProfileID        int64      `json:"profileId" db:"profile_id"`
	RepositoryID     int64      `json:"repositoryId" db:"repository_id"`
	PackageID        string     `json:"packageId" db:"package_id"`
	Arch             string     `json:"arch" db:"arch"`
	Description      string     `json:"description" db:"description"`
	CommitRef        string     `json:"commitRef" db:"commit_ref"`
	SourcePath       string     `json:"sourcePath" db:"source_path"`
	Status           Status     `json:"status" db:"status"`
	AllocatedBuilder *uuid.UUID `json:"allocatedBuilder,omitempty" db:"allocated_builder"`
	LogPath          *string    `json:"logPath,omitempty" db:"log_path"`
	Error            *string    `json:"error,omitempty" db:"error"`
	Started          time.Time  `json:"started" db:"started"`
	Updated          time.Time  `json:"updated" db:"updated"`
	Ended            *time.Time `json:"ended,omitempty" db:"ended"`
}

// BlockerID is the identity a completed task resolves in other tasks'
// blocker sets.
func BlockerID(packageID, arch, projectSlug, repositoryName string) string {
	return fmt.Sprintf("%s_%s@%s/%s", packageID, arch, projectSlug, repositoryName)
}

// Collection is one prioritized binary package index a builder consults
// during dependency resolution. Lower priority values are consulted first.
type Collection struct {
	IndexURI string `json:"indexUri" db:"index_uri"`
	Name     string `json:"name" db:"name"`
	Priority int    `json:"priority" db:"priority"`
}

// PackageBuild is the work order pushed to a builder.
type PackageBuild struct {
	BuildID           uuid.UUID    `json:"buildId"`
	URI               string       `json:"uri"`
	CommitRef         string       `json:"commitRef"`
	RelativePath      string       `json:"relativePath"`
	BuildArchitecture string       `json:"buildArchitecture"`
	Collections       []Collection `json:"collections"`
}

// EnqueueParams describes new buildable work produced by a repository scan
// or a manual trigger.
type EnqueueParams struct {
	ProjectID    int64
	ProfileID    int64
	RepositoryID int64
	PackageID    string
	Arch         string
	Description  string
	CommitRef    string
	SourcePath   string
	Blockers     []string
}

// ReportParams is a builder's asynchronous status report for a build.
type ReportParams struct {
	BuildID  uuid.UUID
	Reporter uuid.UUID // endpoint id of the reporting builder
	Status   Status
	Detail   string
	LogURI   string
}
