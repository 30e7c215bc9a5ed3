package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"maintline/internal/engine"
)

// publicRoutes are reachable without credentials.
func publicRoutes(basePath string, devAuth bool) map[string]bool {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	if devAuth {
		open[path.Join(basePath, "auth/dev/token")] = true
	}
	return open
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

// registerOpenAPI serves the generated document once it is decorated with the error
// envelope and the accepted credentials.
func registerOpenAPI(r chi.Router, api huma.API, basePath string, authCfg AuthConfig) {
	var (
		once sync.Once
		spec []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateOpenAPI(oas, basePath, authCfg)
			spec, err = json.Marshal(oas)
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func decorateOpenAPI(oas *huma.OpenAPI, basePath string, authCfg AuthConfig) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	schemes := oas.Components.SecuritySchemes
	schemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	schemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	if authCfg.AllowActorHeader {
		schemes["actorHeader"] = &huma.SecurityScheme{
			Type:        "apiKey",
			In:          "header",
			Name:        "X-Actor-Id",
			Description: "Local development only; trusts the caller's actor id.",
		}
		security = append(security, map[string][]string{"actorHeader": {}})
	}
	oas.Security = security

	envelope := &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")},
		},
	}
	open := publicRoutes(basePath, authCfg.AllowActorHeader)
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = envelope
			if open[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>maintline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>
    window.onload = () => SwaggerUIBundle({url: %q, dom_id: '#swagger-ui', persistAuthorization: true});
  </script>
</body>
</html>`

func registerDocs(r chi.Router, basePath string) {
	page := fmt.Sprintf(docsPage, path.Join("/", basePath, "openapi.json"))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, page)
	})
}

type healthBody struct {
	Status string `json:"status" example:"ok"`
	Site   string `json:"site,omitempty"`
}

// registerHealth reports ok once the database answers a ping.
func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*body[healthBody], error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "database unavailable", nil)
		}
		var site string
		if e.Config != nil {
			site = e.Config.Site.ID
		}
		return respond(healthBody{Status: "ok", Site: site}), nil
	})
}
