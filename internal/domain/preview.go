package domain

import "time"

// Status is the closed lifecycle state of a preview environment.
type Status string

const (
	StatusCreating  Status = "creating"
	StatusActive    Status = "active"
	StatusExtending Status = "extending"
	StatusDeleting  Status = "deleting"
	StatusFailed    Status = "failed"
)

// transitions is the complete set of legal status moves. A record absent
// from the store is implicitly expired/gone; deletion of the record is
// allowed from deleting and failed.
var transitions = map[Status][]Status{
	StatusCreating:  {StatusActive, StatusFailed, StatusDeleting},
	StatusActive:    {StatusExtending, StatusDeleting, StatusFailed},
	StatusExtending: {StatusActive, StatusDeleting, StatusFailed},
	StatusDeleting:  {StatusFailed},
	StatusFailed:    {StatusDeleting},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusCreating, StatusActive, StatusExtending, StatusDeleting, StatusFailed:
		return true
	}
	return false
}

// Preview is the authoritative record of a provisioned preview environment.
type Preview struct {
	ID          string    `json:"preview_id"`
	Status      Status    `json:"status"`
	UnitRef     string    `json:"-"`
	RouteRef    string    `json:"-"`
	ScheduleRef string    `json:"-"`
	PreviewURL  string    `json:"preview_url"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Version     int64     `json:"-"`
	LastError   string    `json:"last_error,omitempty"`
}

// PreviewUpdate describes a version-fenced mutation of a preview record.
// Zero-valued fields are left unchanged by the store.
type PreviewUpdate struct {
	Status      Status
	ExpiresAt   time.Time
	ScheduleRef *string
	LastError   *string
}

// UnitState summarizes a compute unit's desired versus observed tasks.
type UnitState struct {
	Desired int    `json:"desired_count"`
	Running int    `json:"running_count"`
	Pending int    `json:"pending_count"`
	Status  string `json:"service_status"`
}

// RouteHealth is the observed health of a routing rule's target.
const (
	RouteHealthy   = "healthy"
	RouteUnhealthy = "unhealthy"
	RouteUnknown   = "unknown"
)

// PreviewStatus is the live-augmented view returned by status and list calls.
type PreviewStatus struct {
	ID            string    `json:"preview_id"`
	Status        Status    `json:"status"`
	PreviewURL    string    `json:"preview_url"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	ServiceStatus string    `json:"service_status"`
	DesiredCount  *int      `json:"desired_count,omitempty"`
	RunningCount  *int      `json:"running_count,omitempty"`
	PendingCount  *int      `json:"pending_count,omitempty"`
	RouteHealth   string    `json:"target_group_health"`
	LastError     string    `json:"last_error,omitempty"`
}

// ProbeResult is the outcome of an end-to-end request against a preview URL.
type ProbeResult struct {
	StatusCode *int   `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Event is a lifecycle transition broadcast to stream subscribers.
type Event struct {
	PreviewID string    `json:"preview_id"`
	Type      string    `json:"type"`
	Status    Status    `json:"status"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	At        time.Time `json:"at"`
}

const (
	EventCreated  = "preview.created"
	EventExtended = "preview.extended"
	EventDeleting = "preview.deleting"
	EventDeleted  = "preview.deleted"
	EventFailed   = "preview.failed"
)
