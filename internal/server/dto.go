package server

import (
	"time"

	"maintline/internal/domain"
	"maintline/internal/engine"
)

// Request payloads. The acting actor always comes from the authenticated principal.

type CreateMachineRequest struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Status   string `json:"status,omitempty" enum:"operational,maintenance,down"`
	Category string `json:"category,omitempty"`
}

type MachineStatusRequest struct {
	Status string `json:"status" enum:"operational,maintenance,down"`
}

type CreatePartRequest struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	PartNumber      string `json:"part_number"`
	QuantityInStock int    `json:"quantity_in_stock,omitempty"`
	MinStock        int    `json:"min_stock,omitempty"`
	Location        string `json:"location,omitempty"`
}

type UpdatePartRequest struct {
	Name     *string `json:"name,omitempty"`
	MinStock *int    `json:"min_stock,omitempty"`
	Location *string `json:"location,omitempty"`
}

type RestockRequest struct {
	Quantity int    `json:"quantity"`
	RefID    string `json:"ref_id,omitempty"`
}

type CreateWorkOrderRequest struct {
	ID            string  `json:"id,omitempty"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	Priority      string  `json:"priority,omitempty" enum:"low,medium,high"`
	MachineID     string  `json:"machine_id"`
	AssignedTo    string  `json:"assigned_to,omitempty"`
	ScheduledDate *string `json:"scheduled_date,omitempty" format:"date"`
	Notes         string  `json:"notes,omitempty"`
}

type UpdateWorkOrderRequest struct {
	Title         *string `json:"title,omitempty"`
	Priority      *string `json:"priority,omitempty" enum:"low,medium,high"`
	ScheduledDate *string `json:"scheduled_date,omitempty" format:"date"`
	Notes         *string `json:"notes,omitempty"`
}

type AssignRequest struct {
	TechnicianID string `json:"technician_id"`
}

type StartRequest struct {
	StartedAt *time.Time `json:"started_at,omitempty"`
}

type CompleteRequest struct {
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Description string     `json:"description"`
}

type BulkRequest struct {
	IDs []string `json:"ids" minItems:"1"`
}

type PartRequestItemRequest struct {
	PartID            string `json:"part_id"`
	QuantityRequested int    `json:"quantity_requested"`
	ItemNote          string `json:"item_note,omitempty"`
}

type SubmitPartRequestRequest struct {
	ID    string                   `json:"id,omitempty"`
	Items []PartRequestItemRequest `json:"items" minItems:"1"`
	Note  string                   `json:"note,omitempty"`
}

type ItemDecisionRequest struct {
	ItemID           string `json:"item_id"`
	QuantityApproved *int   `json:"quantity_approved,omitempty"`
}

type DecisionRequest struct {
	Outcome string                `json:"outcome" enum:"approved,rejected"`
	Items   []ItemDecisionRequest `json:"items,omitempty"`
}

type CreateScheduleRequest struct {
	ID          string `json:"id,omitempty"`
	MachineID   string `json:"machine_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Frequency   string `json:"frequency" enum:"daily,weekly,monthly,yearly"`
	NextDueDate string `json:"next_due_date" format:"date"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high"`
	Inactive    bool   `json:"inactive,omitempty"`
}

type ScheduleActiveRequest struct {
	Active bool `json:"active"`
}

type RunSchedulesRequest struct {
	AsOf *string `json:"as_of,omitempty" format:"date"`
}

type ScheduleTriggerRequest struct {
	MachineID   string `json:"machine_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"low,medium,high"`
	DueDate     string `json:"due_date" format:"date"`
	ScheduleID  string `json:"schedule_id,omitempty"`
}

type RoleChangeRequest struct {
	RoleID string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevTokenRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

// Response payloads

type paginatedWorkOrders struct {
	Items      []domain.WorkOrder `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type BulkResponse struct {
	Results []engine.BulkResult `json:"results"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type CreatedAPIKeyResponse struct {
	APIKeyResponse
	// Key is only ever returned here.
	Key string `json:"key"`
}

type DevTokenResponse struct {
	Token string `json:"token"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
