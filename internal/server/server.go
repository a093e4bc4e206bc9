package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bountyboard/internal/domain"
	"bountyboard/internal/engine"
	"bountyboard/internal/engine/fault"
	"bountyboard/internal/gateway"
	"bountyboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
	Now           func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"post is already public"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every failure response uses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the bounty board API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("Bounty Board API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPosts(group, cfg.Engine)
	registerVotes(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerSolutions(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerWebhook(router, basePath, cfg)
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

// handleError maps engine errors onto the envelope. Every fault kind has
// exactly one status code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve fault.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var fe fault.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ce fault.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return newAPIError(http.StatusBadGateway, "gateway_error", "payment gateway unavailable", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "gateway_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

type postPath struct {
	PostID string `path:"post_id"`
}

type listQuery struct {
	Limit int `query:"limit" minimum:"1" maximum:"500" default:"100"`
}

func registerPosts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-post",
		Method:        http.MethodPost,
		Path:          "/posts",
		Summary:       "Create a draft bounty post",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreatePostRequest `json:"body"`
	}) (*struct {
		Body domain.BountyPost `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreatePost(ctx, userID, input.Body.Title, input.Body.Description, input.Body.BountyPrice)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BountyPost `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-posts",
		Method:      http.MethodGet,
		Path:        "/posts",
		Summary:     "List public bounty posts",
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body []domain.BountyPost `json:"body"`
	}, error) {
		items, err := e.ListPublicPosts(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BountyPost `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-draft-posts",
		Method:      http.MethodGet,
		Path:        "/posts/drafts",
		Summary:     "List the caller's draft posts",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body []domain.BountyPost `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListDrafts(ctx, userID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BountyPost `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-post",
		Method:      http.MethodGet,
		Path:        "/posts/{post_id}",
		Summary:     "Get a bounty post",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *postPath) (*struct {
		Body domain.BountyPost `json:"body"`
	}, error) {
		p, err := e.GetPost(ctx, input.PostID, optionalUserID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BountyPost `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-post",
		Method:        http.MethodDelete,
		Path:          "/posts/{post_id}",
		Summary:       "Delete a bounty post",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *postPath) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeletePost(ctx, input.PostID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerVotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "vote-post",
		Method:      http.MethodPost,
		Path:        "/posts/{post_id}/vote",
		Summary:     "Cast or flip a vote on a post",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PostID string      `path:"post_id"`
		Body   VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		outcome, err := e.Vote(ctx, input.PostID, userID, input.Body.Direction)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Repo.GetPost(ctx, input.PostID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: VoteResponse{Outcome: outcome, Upvotes: p.Upvotes, Downvotes: p.Downvotes}}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-checkout-session",
		Method:      http.MethodPost,
		Path:        "/posts/{post_id}/checkout",
		Summary:     "Start the publication checkout for a draft post",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *postPath) (*struct {
		Body CheckoutResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sess, err := e.CreatePublishSession(ctx, input.PostID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckoutResponse `json:"body"`
		}{Body: CheckoutResponse{SessionID: sess.ID, URL: sess.URL}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-donation-session",
		Method:      http.MethodPost,
		Path:        "/posts/{post_id}/donate",
		Summary:     "Start a donation checkout for a post",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		PostID string        `path:"post_id"`
		Body   DonateRequest `json:"body"`
	}) (*struct {
		Body CheckoutResponse `json:"body"`
	}, error) {
		sess, err := e.CreateDonationSession(ctx, input.PostID, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckoutResponse `json:"body"`
		}{Body: CheckoutResponse{SessionID: sess.ID, URL: sess.URL}}, nil
	})

	// The gateway substitutes the session id into the redirect URL; both
	// redirect endpoints converge on the same reconcile as the webhook.
	type successQuery struct {
		PostID    string `path:"post_id"`
		SessionID string `query:"session_id" required:"true"`
	}
	successHandler := func(ctx context.Context, input *successQuery) (*struct {
		Body engine.ReconcileResult `json:"body"`
	}, error) {
		res, err := e.Reconcile(ctx, input.SessionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReconcileResult `json:"body"`
		}{Body: res}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "payment-success",
		Method:      http.MethodGet,
		Path:        "/posts/{post_id}/payment-success",
		Summary:     "Publication payment redirect",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, successHandler)
	huma.Register(api, huma.Operation{
		OperationID: "donation-success",
		Method:      http.MethodGet,
		Path:        "/posts/{post_id}/donation-success",
		Summary:     "Donation payment redirect",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, successHandler)
}

func registerSolutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-solution",
		Method:        http.MethodPost,
		Path:          "/solutions",
		Summary:       "Submit a solution to a public post",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitSolutionRequest `json:"body"`
	}) (*struct {
		Body domain.Solution `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SubmitSolution(ctx, input.Body.PostID, userID, input.Body.Content)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Solution `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-solutions",
		Method:      http.MethodGet,
		Path:        "/posts/{post_id}/solutions",
		Summary:     "List a post's solutions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PostID string `path:"post_id"`
		Limit  int    `query:"limit" minimum:"1" maximum:"500" default:"100"`
	}) (*struct {
		Body []domain.Solution `json:"body"`
	}, error) {
		items, err := e.ListSolutions(ctx, input.PostID, optionalUserID(ctx), input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Solution `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-solution",
		Method:      http.MethodPost,
		Path:        "/solutions/{solution_id}/approve",
		Summary:     "Approve a solution and pay out the bounty",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		SolutionID string `path:"solution_id"`
	}) (*struct {
		Body domain.Solution `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ApproveSolution(ctx, input.SolutionID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Solution `json:"body"`
		}{Body: s}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "link-payout-account",
		Method:      http.MethodPut,
		Path:        "/me/payout-account",
		Summary:     "Link the caller's payout account reference",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LinkPayoutAccountRequest `json:"body"`
	}) (*struct {
		Body domain.PayoutAccount `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acct, err := e.LinkPayoutAccount(ctx, userID, input.Body.AccountRef)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PayoutAccount `json:"body"`
		}{Body: acct}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
