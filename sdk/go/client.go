package maintlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal maintline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no credential is set. Servers only honour it in dev mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// WorkOrder represents the API work order model (partial).
type WorkOrder struct {
	ID                      string  `json:"id"`
	Title                   string  `json:"title"`
	Description             string  `json:"description,omitempty"`
	Priority                string  `json:"priority"`
	Status                  string  `json:"status"`
	MachineID               string  `json:"machine_id"`
	AssignedTo              *string `json:"assigned_to,omitempty"`
	ScheduledDate           string  `json:"scheduled_date,omitempty"`
	StartedAt               string  `json:"started_at,omitempty"`
	CompletedAt             string  `json:"completed_at,omitempty"`
	ScheduleID              *string `json:"schedule_id,omitempty"`
	OutstandingPartRequests int     `json:"outstanding_part_requests"`
	Version                 int64   `json:"version"`
}

// PartRequestItem is one line of a part request.
type PartRequestItem struct {
	ID                string `json:"id,omitempty"`
	PartID            string `json:"part_id"`
	QuantityRequested int    `json:"quantity_requested"`
	QuantityApproved  *int   `json:"quantity_approved,omitempty"`
	ItemNote          string `json:"item_note,omitempty"`
}

// PartRequest represents the API part request model (partial).
type PartRequest struct {
	ID          string            `json:"id"`
	WorkOrderID string            `json:"work_order_id"`
	RequestedBy string            `json:"requested_by"`
	Status      string            `json:"status"`
	Note        string            `json:"note,omitempty"`
	Items       []PartRequestItem `json:"items"`
	Version     int64             `json:"version"`
}

// Part represents a catalog part and its stock.
type Part struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PartNumber      string `json:"part_number"`
	QuantityInStock int    `json:"quantity_in_stock"`
	MinStock        int    `json:"min_stock"`
	Location        string `json:"location,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// BulkResult reports the outcome for one id of a bulk call.
type BulkResult struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error,omitempty"`
}

// ItemDecision sets the approved quantity of one item. A nil quantity approves what stock allows.
type ItemDecision struct {
	ItemID           string `json:"item_id"`
	QuantityApproved *int   `json:"quantity_approved,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateWorkOrder opens a work order on a machine.
func (c *Client) CreateWorkOrder(ctx context.Context, machineID, title, priority string) (WorkOrder, error) {
	body := map[string]any{
		"machine_id": machineID,
		"title":      title,
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders", body, &resp)
	return resp, err
}

// GetWorkOrder fetches a work order by id.
func (c *Client) GetWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodGet, "work-orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AssignTechnician assigns a technician to a work order.
func (c *Client) AssignTechnician(ctx context.Context, id, technicianID string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/assign", map[string]any{"technician_id": technicianID}, &resp)
	return resp, err
}

// StartWorkOrder moves a pending work order to in_progress.
func (c *Client) StartWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/start", map[string]any{}, &resp)
	return resp, err
}

// CompleteWorkOrder closes an in-progress work order with a summary of the work done.
func (c *Client) CompleteWorkOrder(ctx context.Context, id, description string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/complete", map[string]any{"description": description}, &resp)
	return resp, err
}

// CancelWorkOrder cancels a work order and its pending part requests.
func (c *Client) CancelWorkOrder(ctx context.Context, id string) (WorkOrder, error) {
	var resp WorkOrder
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// BulkDeleteWorkOrders soft-deletes many work orders and reports per id.
func (c *Client) BulkDeleteWorkOrders(ctx context.Context, ids []string) ([]BulkResult, error) {
	var resp struct {
		Results []BulkResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "work-orders/bulk/delete", map[string]any{"ids": ids}, &resp)
	return resp.Results, err
}

// SubmitPartRequest requests parts for a work order.
func (c *Client) SubmitPartRequest(ctx context.Context, workOrderID string, items []PartRequestItem) (PartRequest, error) {
	var resp PartRequest
	err := c.do(ctx, http.MethodPost, "work-orders/"+url.PathEscape(workOrderID)+"/part-requests", map[string]any{"items": items}, &resp)
	return resp, err
}

// DecidePartRequest approves or rejects a pending part request.
func (c *Client) DecidePartRequest(ctx context.Context, id, outcome string, items []ItemDecision) (PartRequest, error) {
	body := map[string]any{"outcome": outcome}
	if len(items) > 0 {
		body["items"] = items
	}
	var resp PartRequest
	err := c.do(ctx, http.MethodPost, "part-requests/"+url.PathEscape(id)+"/decision", body, &resp)
	return resp, err
}

// FulfillPartRequest issues the approved quantities and deducts stock.
func (c *Client) FulfillPartRequest(ctx context.Context, id string) (PartRequest, error) {
	var resp PartRequest
	err := c.do(ctx, http.MethodPost, "part-requests/"+url.PathEscape(id)+"/fulfill", nil, &resp)
	return resp, err
}

// GetPart fetches a part with its current stock.
func (c *Client) GetPart(ctx context.Context, id string) (Part, error) {
	var resp Part
	err := c.do(ctx, http.MethodGet, "parts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code      string         `json:"code"`
			Message   string         `json:"message"`
			Retryable bool           `json:"retryable"`
			Details   map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Retryable = env.Error.Retryable
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	prefix := strings.Trim(c.BasePath, "/")
	if prefix != "" {
		base += "/" + prefix
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
