package domain

import "time"

const (
	MachineOperational = "operational"
	MachineMaintenance = "maintenance"
	MachineDown        = "down"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

const (
	WorkOrderPending    = "pending"
	WorkOrderInProgress = "in_progress"
	WorkOrderCompleted  = "completed"
	WorkOrderCancelled  = "cancelled"
)

const (
	PartRequestPending   = "pending"
	PartRequestApproved  = "approved"
	PartRequestRejected  = "rejected"
	PartRequestFulfilled = "fulfilled"
	PartRequestCancelled = "cancelled"
)

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyYearly  = "yearly"
)

const (
	MovementFulfillment = "fulfillment"
	MovementRestock     = "restock"
)

// Outstanding reports whether a part request still blocks work order completion.
func Outstanding(status string) bool {
	return status == PartRequestPending || status == PartRequestApproved
}

type Machine struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status" enum:"operational,maintenance,down"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

type WorkOrder struct {
	ID                      string     `json:"id"`
	Title                   string     `json:"title"`
	Description             string     `json:"description,omitempty"`
	Priority                string     `json:"priority" enum:"low,medium,high"`
	Status                  string     `json:"status" enum:"pending,in_progress,completed,cancelled"`
	MachineID               string     `json:"machine_id"`
	AssignedTo              *string    `json:"assigned_to,omitempty"`
	ScheduledDate           *time.Time `json:"scheduled_date,omitempty"`
	StartedAt               *time.Time `json:"started_at,omitempty"`
	CompletedAt             *time.Time `json:"completed_at,omitempty"`
	CreatedBy               string     `json:"created_by"`
	Notes                   string     `json:"notes,omitempty"`
	ScheduleID              *string    `json:"schedule_id,omitempty"`
	OutstandingPartRequests int        `json:"outstanding_part_requests"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
	DeletedAt               *time.Time `json:"deleted_at,omitempty"`
	Version                 int64      `json:"version"`
}

type PartRequest struct {
	ID          string            `json:"id"`
	WorkOrderID string            `json:"work_order_id"`
	RequestedBy string            `json:"requested_by"`
	Status      string            `json:"status" enum:"pending,approved,rejected,fulfilled,cancelled"`
	Note        string            `json:"note,omitempty"`
	DecidedBy   *string           `json:"decided_by,omitempty"`
	DecidedAt   *time.Time        `json:"decided_at,omitempty"`
	FulfilledBy *string           `json:"fulfilled_by,omitempty"`
	FulfilledAt *time.Time        `json:"fulfilled_at,omitempty"`
	Items       []PartRequestItem `json:"items"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Version     int64             `json:"version"`
}

type PartRequestItem struct {
	ID                string `json:"id"`
	PartRequestID     string `json:"part_request_id"`
	Position          int    `json:"position"`
	PartID            string `json:"part_id"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityApproved  *int   `json:"quantity_approved,omitempty"`
	ItemNote          string `json:"item_note,omitempty"`
}

// Approved returns the approved quantity, zero while undecided.
func (i PartRequestItem) Approved() int {
	if i.QuantityApproved == nil {
		return 0
	}
	return *i.QuantityApproved
}

type Part struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PartNumber      string    `json:"part_number"`
	QuantityInStock int       `json:"quantity_in_stock"`
	MinStock        int       `json:"min_stock"`
	Location        string    `json:"location,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Version         int64     `json:"version"`
}

// BelowMinimum reports whether stock has reached the reorder threshold.
func (p Part) BelowMinimum() bool {
	return p.QuantityInStock <= p.MinStock
}

type StockMovement struct {
	ID        int64     `json:"id"`
	PartID    string    `json:"part_id"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason" enum:"fulfillment,restock"`
	RefID     string    `json:"ref_id,omitempty"`
	ActorID   string    `json:"actor_id"`
	CreatedAt time.Time `json:"created_at"`
}

type MaintenanceSchedule struct {
	ID              string     `json:"id"`
	MachineID       string     `json:"machine_id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	Frequency       string     `json:"frequency" enum:"daily,weekly,monthly,yearly"`
	NextDueDate     time.Time  `json:"next_due_date"`
	// AnchorDate is the first due date; every cycle is counted from it.
	AnchorDate      time.Time  `json:"anchor_date"`
	Priority        string     `json:"priority" enum:"low,medium,high"`
	Active          bool       `json:"active"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Version         int64      `json:"version"`
}

// ScheduleTrigger is the event a due schedule emits to seed a work order.
type ScheduleTrigger struct {
	MachineID   string    `json:"machine_id" validate:"required"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority" validate:"omitempty,oneof=low medium high"`
	DueDate     time.Time `json:"due_date" validate:"required"`
	ScheduleID  string    `json:"schedule_id,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// WorkOrderSummary is the read projection consumed by reporting and export.
type WorkOrderSummary struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Status        string     `json:"status"`
	Priority      string     `json:"priority"`
	MachineID     string     `json:"machine_id"`
	Machine       string     `json:"machine"`
	AssignedTo    string     `json:"assigned_to,omitempty"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
}

type PartRequestSummary struct {
	ID                     string `json:"id"`
	WorkOrderID            string `json:"work_order_id"`
	Status                 string `json:"status"`
	ItemsCount             int    `json:"items_count"`
	TotalQuantityRequested int    `json:"total_quantity_requested"`
	TotalQuantityApproved  int    `json:"total_quantity_approved"`
}

// FulfillmentSummary aggregates the part requests of one work order.
type FulfillmentSummary struct {
	WorkOrderID string         `json:"work_order_id"`
	Requests    int            `json:"requests"`
	ByStatus    map[string]int `json:"by_status"`
	Outstanding int            `json:"outstanding"`
	CanComplete bool           `json:"can_complete"`
}

type DashboardCounts struct {
	WorkOrders   map[string]int `json:"work_orders"`
	PartRequests map[string]int `json:"part_requests"`
	LowStock     int            `json:"low_stock_parts"`
}
