package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/engine/auth"
	"joatu/internal/match"
	"joatu/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"categories: must not be empty"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"categories\"}"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Joatu API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema errors are malformed requests, not domain validation failures
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, cfg.Engine.Config))
	hcfg := huma.DefaultConfig("Joatu API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCategories(group, cfg.Engine)
	registerExchanges(group, cfg.Engine)
	registerMatches(group, cfg.Engine)
	registerLinks(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
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

var errorLogger = log.Default()

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ae auth.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", ae.Error(), nil)
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var ste engine.StateError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), map[string]any{"status": ste.Status})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	errorLogger.Printf("internal error: %v", err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var out []*huma.Operation
	for _, op := range []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	} {
		if op != nil {
			out = append(out, op)
		}
	}
	return out
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if public[route] {
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
    <title>Joatu API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func registerCategories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-categories",
		Method:      http.MethodGet,
		Path:        "/categories",
		Summary:     "List categories",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body categoryList `json:"body"`
	}, error) {
		items, err := e.ListCategories(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body categoryList `json:"body"`
		}{Body: categoryList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-category",
		Method:      http.MethodPut,
		Path:        "/categories/{category_id}",
		Summary:     "Create or update a category",
		Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CategoryID string `path:"category_id"`
		Body       SaveCategoryRequest
	}) (*struct {
		Body domain.Category `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SaveCategory(ctx, domain.Category{
			ID:       input.CategoryID,
			Name:     input.Body.Name,
			Position: input.Body.Position,
			ParentID: input.Body.ParentID,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Category `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-category",
		Method:      http.MethodDelete,
		Path:        "/categories/{category_id}",
		Summary:     "Delete an unused category",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CategoryID string `path:"category_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteCategory(ctx, input.CategoryID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerExchanges(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-exchange",
		Method:        http.MethodPost,
		Path:          "/exchanges",
		Summary:       "Create an offer or request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateExchangeRequest
	}) (*struct {
		Body ExchangeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.CreateExchange(ctx, input.Body.options(actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeResponse `json:"body"`
		}{Body: exchangeResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exchanges",
		Method:      http.MethodGet,
		Path:        "/exchanges",
		Summary:     "List offers and requests",
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind" enum:"offer,request"`
		Status     string `query:"status" enum:"open,matched,fulfilled,closed"`
		CategoryID string `query:"category_id"`
		CreatorID  string `query:"creator_id"`
		TargetType string `query:"target_type"`
		TargetID   string `query:"target_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body exchangeList `json:"body"`
	}, error) {
		f := repo.ExchangeFilters{
			Kind:       domain.Kind(input.Kind),
			Status:     input.Status,
			CategoryID: input.CategoryID,
			CreatorID:  input.CreatorID,
			Limit:      normalizeLimit(input.Limit),
		}
		if input.TargetType != "" || input.TargetID != "" {
			f.Target = &domain.Target{Type: input.TargetType, ID: input.TargetID}
		}
		items, err := e.ListExchanges(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body exchangeList `json:"body"`
		}{Body: exchangeList{Items: mapExchanges(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exchange",
		Method:      http.MethodGet,
		Path:        "/exchanges/{exchange_id}",
		Summary:     "Get an offer or request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExchangeID string `path:"exchange_id"`
	}) (*struct {
		Body ExchangeResponse `json:"body"`
	}, error) {
		ex, err := e.GetExchange(ctx, input.ExchangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeResponse `json:"body"`
		}{Body: exchangeResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-exchange",
		Method:      http.MethodPatch,
		Path:        "/exchanges/{exchange_id}",
		Summary:     "Update an offer or request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ExchangeID string `path:"exchange_id"`
		Body       UpdateExchangeRequest
	}) (*struct {
		Body ExchangeResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.UpdateExchange(ctx, input.Body.options(input.ExchangeID, actorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExchangeResponse `json:"body"`
		}{Body: exchangeResponse(ex)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "destroy-exchange",
		Method:      http.MethodDelete,
		Path:        "/exchanges/{exchange_id}",
		Summary:     "Destroy an offer or request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExchangeID string `path:"exchange_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DestroyExchange(ctx, input.ExchangeID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-matches",
		Method:      http.MethodGet,
		Path:        "/exchanges/{exchange_id}/matches",
		Summary:     "Counterparts sharing a category",
		Description: "Returns records of the opposite kind that share a category, respect the target scope and belong to someone else. Statuses are only filtered when status is given.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ExchangeID string   `path:"exchange_id"`
		Status     []string `query:"status"`
		Limit      int      `query:"limit" default:"0" minimum:"0"`
	}) (*struct {
		Body exchangeList `json:"body"`
	}, error) {
		var items []domain.Exchange
		for ex, err := range e.FindMatches(ctx, input.ExchangeID, match.Options{Statuses: input.Status, Limit: input.Limit}) {
			if err != nil {
				return nil, handleError(err)
			}
			items = append(items, ex)
		}
		return &struct {
			Body exchangeList `json:"body"`
		}{Body: exchangeList{Items: mapExchanges(items)}}, nil
	})
}

func registerLinks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-response-link",
		Method:        http.MethodPost,
		Path:          "/exchanges/{exchange_id}/responses",
		Summary:       "Link a response to this record",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ExchangeID string `path:"exchange_id"`
		Body       CreateLinkRequest
	}) (*struct {
		Body domain.ResponseLink `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.Link(ctx, engine.LinkOptions{
			ID:         input.Body.ID,
			SourceID:   input.ExchangeID,
			ResponseID: input.Body.ResponseID,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ResponseLink `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-response-links",
		Method:      http.MethodGet,
		Path:        "/exchanges/{exchange_id}/responses",
		Summary:     "Links touching this record in either direction",
	}, func(ctx context.Context, input *struct {
		ExchangeID string `path:"exchange_id"`
	}) (*struct {
		Body linkList `json:"body"`
	}, error) {
		items, err := e.ListLinks(ctx, input.ExchangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body linkList `json:"body"`
		}{Body: linkList{Items: nonNilSlice(items)}}, nil
	})
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agreement",
		Method:        http.MethodPost,
		Path:          "/agreements",
		Summary:       "Propose an agreement between an offer and a request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CreateAgreement(ctx, engine.AgreementCreateOptions{
			ID:        input.Body.ID,
			OfferID:   input.Body.OfferID,
			RequestID: input.Body.RequestID,
			Terms:     input.Body.Terms,
			Value:     input.Body.Value,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agreements",
		Method:      http.MethodGet,
		Path:        "/agreements",
		Summary:     "List agreements",
	}, func(ctx context.Context, input *struct {
		ExchangeID string `query:"exchange_id"`
		Status     string `query:"status" enum:"pending,accepted,rejected"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body agreementList `json:"body"`
	}, error) {
		items, err := e.ListAgreements(ctx, repo.AgreementFilters{
			ExchangeID: input.ExchangeID,
			Status:     input.Status,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body agreementList `json:"body"`
		}{Body: agreementList{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Get an agreement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgreementID string `path:"agreement_id"`
	}) (*struct {
		Body domain.Agreement `json:"body"`
	}, error) {
		a, err := e.GetAgreement(ctx, input.AgreementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Agreement `json:"body"`
		}{Body: a}, nil
	})

	decide := func(id, verb, summary string, fn func(context.Context, string, string) (domain.Agreement, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/agreements/{agreement_id}/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			AgreementID string `path:"agreement_id"`
		}) (*struct {
			Body domain.Agreement `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			a, err := fn(ctx, input.AgreementID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Agreement `json:"body"`
			}{Body: a}, nil
		})
	}
	decide("accept-agreement", "accept", "Accept a pending agreement", e.AcceptAgreement)
	decide("reject-agreement", "reject", "Reject a pending agreement", e.RejectAgreement)
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.EventLog(ctx, actorID, normalizeLimit(input.Limit), input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	change := func(id, verb, summary string, fn func(context.Context, string, string, string) error) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/rbac/roles/" + verb,
			Summary:     summary,
			Errors:      []int{http.StatusForbidden, http.StatusUnprocessableEntity},
		}, func(ctx context.Context, input *struct {
			Body RoleChangeRequest
		}) (*struct {
			Body map[string]string `json:"body"`
		}, error) {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			if err := fn(ctx, actorID, strings.TrimSpace(input.Body.ActorID), strings.TrimSpace(input.Body.Role)); err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body map[string]string `json:"body"`
			}{Body: map[string]string{"actor_id": input.Body.ActorID, "role": input.Body.Role}}, nil
		})
	}
	change("grant-role", "grant", "Grant a role", e.GrantRole)
	change("revoke-role", "revoke", "Revoke a role", e.RevokeRole)
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.CreateAPIKey(ctx, actorID, strings.TrimSpace(input.Body.ActorID), input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, raw)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body apiKeyList `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := apiKeyList{Items: []APIKeyResponse{}}
		for _, k := range keys {
			resp.Items = append(resp.Items, apiKeyResponse(k, ""))
		}
		return &struct {
			Body apiKeyList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeAPIKey(ctx, actorID, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.ActorProfile `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		if p, ok := principalFromContext(ctx); ok {
			for _, r := range p.Roles {
				if !domain.Contains(who.Roles, r) {
					who.Roles = append(who.Roles, r)
				}
			}
		}
		return &struct {
			Body domain.ActorProfile `json:"body"`
		}{Body: who}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
