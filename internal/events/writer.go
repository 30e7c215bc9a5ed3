package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	WorkOrderCreated    = "work_order.created"
	WorkOrderAssigned   = "work_order.assigned"
	WorkOrderStarted    = "work_order.started"
	WorkOrderCompleted  = "work_order.completed"
	WorkOrderCancelled  = "work_order.cancelled"
	WorkOrderDeleted    = "work_order.deleted"
	WorkOrderUpdated    = "work_order.updated"
	PartRequestCreated  = "part_request.submitted"
	PartRequestDecided  = "part_request.decided"
	PartRequestReverted = "part_request.approval_reverted"
	PartRequestFulfill  = "part_request.fulfilled"
	PartRequestCancel   = "part_request.cancelled"
	PartCreated         = "part.created"
	PartUpdated         = "part.updated"
	PartRestocked       = "part.restocked"
	MachineCreated      = "machine.created"
	MachineUpdated      = "machine.updated"
	MachineDeleted      = "machine.deleted"
	ScheduleCreated     = "schedule.created"
	ScheduleUpdated     = "schedule.updated"
	ScheduleTriggered   = "schedule.triggered"
)

// Writer appends to the event log inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
