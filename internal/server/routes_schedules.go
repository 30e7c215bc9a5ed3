package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
	"maintline/internal/schedule"
)

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Create a recurring maintenance schedule",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateScheduleRequest `json:"body"`
	}) (*body[domain.MaintenanceSchedule], error) {
		actor, err := authorize(ctx, "schedule.manage")
		if err != nil {
			return nil, err
		}
		due, err := parseDate("next_due_date", &input.Body.NextDueDate)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.CreateScheduleOptions{
			ID:          input.Body.ID,
			MachineID:   input.Body.MachineID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Frequency:   input.Body.Frequency,
			Priority:    input.Body.Priority,
			Inactive:    input.Body.Inactive,
			ActorID:     actor,
		}
		if due != nil {
			opts.NextDueDate = *due
		}
		s, err := e.CreateSchedule(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "List maintenance schedules",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		MachineID  string `query:"machine_id"`
		ActiveOnly bool   `query:"active"`
	}) (*body[[]domain.MaintenanceSchedule], error) {
		if _, err := authorize(ctx, "schedule.read"); err != nil {
			return nil, err
		}
		items, err := e.ListSchedules(ctx, repo.ScheduleFilters{MachineID: input.MachineID, ActiveOnly: input.ActiveOnly})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.MaintenanceSchedule], error) {
		if _, err := authorize(ctx, "schedule.read"); err != nil {
			return nil, err
		}
		s, err := e.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-schedule-active",
		Method:      http.MethodPut,
		Path:        "/schedules/{id}/active",
		Summary:     "Pause or resume a schedule",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ScheduleActiveRequest `json:"body"`
	}) (*body[domain.MaintenanceSchedule], error) {
		actor, err := authorize(ctx, "schedule.manage")
		if err != nil {
			return nil, err
		}
		s, err := e.SetScheduleActive(ctx, engine.SetScheduleActiveOptions{ScheduleID: input.ID, Active: input.Body.Active, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-due-schedules",
		Method:      http.MethodPost,
		Path:        "/schedules/run",
		Summary:     "Create work orders for every schedule due on or before as_of",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RunSchedulesRequest `json:"body" required:"false"`
	}) (*body[engine.ScheduleRun], error) {
		actor, err := authorize(ctx, "schedule.run")
		if err != nil {
			return nil, err
		}
		asOf := time.Now().UTC()
		if d, err := parseDate("as_of", input.Body.AsOf); err != nil {
			return nil, handleError(err)
		} else if d != nil {
			asOf = *d
		}
		run, err := e.RunDueSchedules(ctx, asOf, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(run), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "accept-schedule-trigger",
		Method:        http.MethodPost,
		Path:          "/schedule-triggers",
		Summary:       "Seed a pending work order from an external schedule event",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ScheduleTriggerRequest `json:"body"`
	}) (*body[domain.WorkOrder], error) {
		actor, err := authorize(ctx, "schedule.run")
		if err != nil {
			return nil, err
		}
		due, err := schedule.ParseDate(input.Body.DueDate)
		if err != nil {
			return nil, handleError(domain.ValidationError{Field: "due_date", Reason: "must be a date (YYYY-MM-DD)"})
		}
		wo, err := e.AcceptScheduleTrigger(ctx, domain.ScheduleTrigger{
			MachineID:   input.Body.MachineID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			DueDate:     due,
			ScheduleID:  input.Body.ScheduleID,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(wo), nil
	})
}
