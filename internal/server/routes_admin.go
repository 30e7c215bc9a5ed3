package server

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/engine/auth"
	"maintline/internal/repo"
	"maintline/internal/report"
)

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      append([]int{http.StatusBadRequest}, readErrors...),
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"work_order,part_request,part,machine,schedule"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*body[paginatedEvents], error) {
		if _, err := authorize(ctx, "event.read"); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Events(ctx, repo.EventFilters{
			Limit:      limit + 1,
			Cursor:     cursorID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			resp.Items = items[:limit]
		}
		return respond(resp), nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Counts by status and low-stock parts",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*body[domain.DashboardCounts], error) {
		if _, err := authorize(ctx, "workorder.read"); err != nil {
			return nil, err
		}
		counts, err := e.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(counts), nil
	})
}

type workbookOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-report",
		Method:      http.MethodGet,
		Path:        "/reports/export.xlsx",
		Summary:     "Export work orders, part requests and low stock as a workbook",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*workbookOutput, error) {
		if _, err := authorize(ctx, "report.export"); err != nil {
			return nil, err
		}
		data, err := e.ReportData(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		var buf bytes.Buffer
		if err := report.Write(&buf, data); err != nil {
			return nil, handleError(err)
		}
		name := fmt.Sprintf("maintline-%s.xlsx", time.Now().UTC().Format("20060102"))
		return &workbookOutput{
			ContentType:        "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			ContentDisposition: fmt.Sprintf("attachment; filename=%q", name),
			Body:               buf.Bytes(),
		}, nil
	})
}

func registerRBAC(api huma.API, svc auth.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{id}/roles",
		Summary:     "Roles held by an actor",
		Errors:      readErrors,
	}, func(ctx context.Context, input *idPath) (*body[[]string], error) {
		if _, err := authorize(ctx, "rbac.manage"); err != nil {
			return nil, err
		}
		roles, err := svc.Roles(ctx, input.ID, nil)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(roles)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/actors/{id}/roles",
		Summary:       "Grant role",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, "rbac.manage"); err != nil {
			return nil, err
		}
		if err := svc.GrantRole(ctx, input.ID, input.Body.RoleID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/actors/{id}/roles/{role}",
		Summary:       "Revoke role",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Role string `path:"role"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, "rbac.manage"); err != nil {
			return nil, err
		}
		if err := svc.RevokeRole(ctx, input.ID, input.Role); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key for the current actor",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body" required:"false"`
	}) (*body[CreatedAPIKeyResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, plain, err := svc.CreateAPIKey(ctx, actor, strings.TrimSpace(input.Body.Name))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(CreatedAPIKeyResponse{APIKeyResponse: apiKeyResponse(key), Key: plain}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "API keys of the current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[[]APIKeyResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := svc.ListAPIKeys(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		return respond(out), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := svc.RevokeAPIKey(ctx, principal.ActorID, principal.Permissions, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*body[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
			Source:      principal.Source,
		}), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/dev/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevTokenRequest `json:"body"`
	}) (*body[DevTokenResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, handleError(domain.ValidationError{Field: "actor_id", Reason: "is required"})
		}
		ttl := time.Hour
		if input.Body.TTLSeconds > 0 {
			ttl = time.Duration(input.Body.TTLSeconds) * time.Second
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevTokenResponse{Token: token}), nil
	})
}
