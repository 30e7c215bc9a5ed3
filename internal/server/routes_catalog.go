package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/repo"
)

type body[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *body[T] {
	return &body[T]{Body: v}
}

// authorize checks perm and returns the acting actor.
func authorize(ctx context.Context, perm string) (string, error) {
	if err := requirePermission(ctx, perm); err != nil {
		return "", handleError(err)
	}
	p, _ := principalFromContext(ctx)
	return p.ActorID, nil
}

var (
	readErrors  = []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound}
	writeErrors = []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}
)

type idPath struct {
	ID string `path:"id"`
}

func registerMachines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-machine",
		Method:        http.MethodPost,
		Path:          "/machines",
		Summary:       "Register a machine",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMachineRequest `json:"body"`
	}) (*body[domain.Machine], error) {
		actor, err := authorize(ctx, "machine.manage")
		if err != nil {
			return nil, err
		}
		m, err := e.CreateMachine(ctx, engine.CreateMachineOptions{
			ID:       input.Body.ID,
			Name:     input.Body.Name,
			Status:   input.Body.Status,
			Category: input.Body.Category,
			ActorID:  actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-machines",
		Method:      http.MethodGet,
		Path:        "/machines",
		Summary:     "List machines",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"operational,maintenance,down"`
	}) (*body[[]domain.Machine], error) {
		if _, err := authorize(ctx, "machine.read"); err != nil {
			return nil, err
		}
		items, err := e.ListMachines(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-machine",
		Method:      http.MethodGet,
		Path:        "/machines/{id}",
		Summary:     "Get machine",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.Machine], error) {
		if _, err := authorize(ctx, "machine.read"); err != nil {
			return nil, err
		}
		m, err := e.GetMachine(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-machine-status",
		Method:      http.MethodPut,
		Path:        "/machines/{id}/status",
		Summary:     "Set machine status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body MachineStatusRequest `json:"body"`
	}) (*body[domain.Machine], error) {
		actor, err := authorize(ctx, "machine.manage")
		if err != nil {
			return nil, err
		}
		m, err := e.SetMachineStatus(ctx, engine.SetMachineStatusOptions{MachineID: input.ID, Status: input.Body.Status, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-machine",
		Method:        http.MethodDelete,
		Path:          "/machines/{id}",
		Summary:       "Delete an unreferenced machine",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		actor, err := authorize(ctx, "machine.manage")
		if err != nil {
			return nil, err
		}
		if err := e.DeleteMachine(ctx, engine.DeleteMachineOptions{MachineID: input.ID, ActorID: actor}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerParts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-part",
		Method:        http.MethodPost,
		Path:          "/parts",
		Summary:       "Add a part to the catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePartRequest `json:"body"`
	}) (*body[domain.Part], error) {
		actor, err := authorize(ctx, "part.manage")
		if err != nil {
			return nil, err
		}
		p, err := e.CreatePart(ctx, engine.CreatePartOptions{
			ID:              input.Body.ID,
			Name:            input.Body.Name,
			PartNumber:      input.Body.PartNumber,
			QuantityInStock: input.Body.QuantityInStock,
			MinStock:        input.Body.MinStock,
			Location:        input.Body.Location,
			ActorID:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-parts",
		Method:      http.MethodGet,
		Path:        "/parts",
		Summary:     "List parts",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		LowStock bool   `query:"low_stock"`
		Search   string `query:"q"`
		Limit    int    `query:"limit" default:"50"`
	}) (*body[[]domain.Part], error) {
		if _, err := authorize(ctx, "part.read"); err != nil {
			return nil, err
		}
		items, err := e.ListParts(ctx, repo.PartFilters{LowStock: input.LowStock, Search: input.Search, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-part",
		Method:      http.MethodGet,
		Path:        "/parts/{id}",
		Summary:     "Get part",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[domain.Part], error) {
		if _, err := authorize(ctx, "part.read"); err != nil {
			return nil, err
		}
		p, err := e.GetPart(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-part",
		Method:      http.MethodPatch,
		Path:        "/parts/{id}",
		Summary:     "Update part details",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdatePartRequest `json:"body"`
	}) (*body[domain.Part], error) {
		actor, err := authorize(ctx, "part.manage")
		if err != nil {
			return nil, err
		}
		p, err := e.UpdatePart(ctx, engine.UpdatePartOptions{
			PartID:   input.ID,
			Name:     input.Body.Name,
			MinStock: input.Body.MinStock,
			Location: input.Body.Location,
			ActorID:  actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restock-part",
		Method:      http.MethodPost,
		Path:        "/parts/{id}/restock",
		Summary:     "Book incoming stock",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body RestockRequest `json:"body"`
	}) (*body[domain.Part], error) {
		actor, err := authorize(ctx, "part.restock")
		if err != nil {
			return nil, err
		}
		p, err := e.RestockPart(ctx, engine.RestockPartOptions{PartID: input.ID, Quantity: input.Body.Quantity, RefID: input.Body.RefID, ActorID: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stock-movements",
		Method:      http.MethodGet,
		Path:        "/parts/{id}/movements",
		Summary:     "Stock movements of a part, newest first",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*body[[]domain.StockMovement], error) {
		if _, err := authorize(ctx, "part.read"); err != nil {
			return nil, err
		}
		items, err := e.StockMovements(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-part-availability",
		Method:      http.MethodGet,
		Path:        "/parts/{id}/availability",
		Summary:     "Advisory check that a part has enough stock",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Quantity int    `query:"qty" default:"1"`
	}) (*body[engine.Availability], error) {
		if _, err := authorize(ctx, "part.read"); err != nil {
			return nil, err
		}
		a, err := e.CheckAvailability(ctx, input.ID, input.Quantity)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})
}
