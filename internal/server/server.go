package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"vaultline/internal/audit"
	"vaultline/internal/gate"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *vault.Store
	Audit    *audit.Logger
	Gate     *gate.Gate
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"record not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Vaultline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Store)
	registerRecords(group, cfg.Store)
	registerApprovals(group, cfg.Store, cfg.Gate)
	registerAuditLog(group, cfg.Audit)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, gate.ErrNotPending):
		return newAPIError(http.StatusConflict, "not_pending", err.Error(), nil)
	case errors.Is(err, vault.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func collectionParam(name string) (vault.Collection, huma.StatusError) {
	c := vault.Collection(name)
	for _, known := range vault.Collections {
		if c == known {
			return c, nil
		}
	}
	return "", newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("unknown collection %q", name), nil)
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Vaultline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, store *vault.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Queue depths per collection",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := store.Counts()
		if err != nil {
			return nil, handleError(err)
		}
		out := make(map[string]int, len(counts))
		for c, n := range counts {
			out[string(c)] = n
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Counts: out}}, nil
	})
}

func registerRecords(api huma.API, store *vault.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records/{collection}",
		Summary:     "List records in a collection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		Status     string `query:"status"`
	}) (*struct {
		Body []RecordRef `json:"body"`
	}, error) {
		c, aerr := collectionParam(input.Collection)
		if aerr != nil {
			return nil, aerr
		}
		refs, err := store.List(c, vault.Filter{Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		statuses := map[string]string{}
		for _, r := range refs {
			if s, err := store.ReadStatus(r); err == nil {
				statuses[r.Name] = s
			}
		}
		return &struct {
			Body []RecordRef `json:"body"`
		}{Body: mapRefs(refs, statuses)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-record",
		Method:      http.MethodGet,
		Path:        "/records/{collection}/{name}",
		Summary:     "Get one record",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Collection string `path:"collection"`
		Name       string `path:"name"`
	}) (*struct {
		Body RecordResponse `json:"body"`
	}, error) {
		c, aerr := collectionParam(input.Collection)
		if aerr != nil {
			return nil, aerr
		}
		data, err := store.Read(vault.Ref{Collection: c, Name: input.Name})
		if err != nil {
			return nil, handleError(err)
		}
		header := map[string]any{}
		body, err := record.Decode(data, &header)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResponse `json:"body"`
		}{Body: RecordResponse{
			Collection: string(c),
			Name:       input.Name,
			Header:     header,
			Body:       body,
		}}, nil
	})
}

func registerApprovals(api huma.API, store *vault.Store, g *gate.Gate) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List pending approval requests",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ApprovalResponse `json:"body"`
	}, error) {
		refs, err := store.List(vault.PendingApproval, vault.Filter{
			Prefix: "APPROVAL_",
			Status: record.ApprovalStatusPending,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ApprovalResponse, 0, len(refs))
		for _, ref := range refs {
			data, err := store.Read(ref)
			if err != nil {
				continue
			}
			var req record.ApprovalRequest
			draft, err := record.Decode(data, &req)
			if err != nil {
				continue
			}
			out = append(out, approvalResponse(ref.Name, req, draft))
		}
		return &struct {
			Body []ApprovalResponse `json:"body"`
		}{Body: out}, nil
	})

	register := func(opID, pathSuffix, summary, status string, decide func(name, actor string) error) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/approvals/{name}/" + pathSuffix,
			Summary:     summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			Name string `path:"name"`
		}) (*struct {
			Body DecisionResponse `json:"body"`
		}, error) {
			actor, aerr := actorIDFromContext(ctx)
			if aerr != nil {
				return nil, aerr
			}
			if err := decide(input.Name, actor); err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body DecisionResponse `json:"body"`
			}{Body: DecisionResponse{
				Name:    input.Name,
				Status:  status,
				Actor:   actor,
				Message: fmt.Sprintf("%s is now %s", input.Name, status),
			}}, nil
		})
	}
	register("approve-request", "approve", "Approve an approval request", record.ApprovalStatusApproved, g.Approve)
	register("reject-request", "reject", "Reject an approval request", record.ApprovalStatusRejected, g.Reject)
}

func registerAuditLog(api huma.API, log *audit.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "tail-log",
		Method:      http.MethodGet,
		Path:        "/log",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		N int `query:"n" default:"20" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []AuditEntryResponse `json:"body"`
	}, error) {
		n := input.N
		if n <= 0 {
			n = 20
		}
		entries, err := log.Tail(n)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AuditEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, auditResponse(e))
		}
		return &struct {
			Body []AuditEntryResponse `json:"body"`
		}{Body: out}, nil
	})
}
