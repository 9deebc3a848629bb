package controllers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/genstudio-backend/api/middleware"
	"github.com/angelmondragon/genstudio-backend/api/responses"
	"github.com/angelmondragon/genstudio-backend/api/validators"
	"github.com/angelmondragon/genstudio-backend/internal/gallery"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/pagination"
)

// BalanceReader reads a user's credit balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, userID string) (int, error)
}

// ActiveJobLister lists a user's in-flight predictions.
type ActiveJobLister interface {
	ListActive(ctx context.Context, userID string) ([]models.ActiveJob, error)
}

// GalleryLister pages through a user's finished outputs.
type GalleryLister interface {
	List(ctx context.Context, userID string, kind enums.GenerationKind, params pagination.Params) (*gallery.ListResult, error)
}

type creditsResponse struct {
	Value int `json:"value"`
}

type activeJobsResponse struct {
	Jobs []models.ActiveJob `json:"jobs"`
}

func Credits(ledger BalanceReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, logg)
		if !ok {
			return
		}
		balance, err := ledger.GetBalance(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, creditsResponse{Value: balance})
	}
}

func ActiveJobs(registry ActiveJobLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, logg)
		if !ok {
			return
		}
		list, err := registry.ListActive(r.Context(), userID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if list == nil {
			list = []models.ActiveJob{}
		}
		responses.WriteSuccess(w, activeJobsResponse{Jobs: list})
	}
}

const maxCursorLength = 256

// Gallery lists finished outputs of one kind, newest first.
func Gallery(lister GalleryLister, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUser(w, r, logg)
		if !ok {
			return
		}
		kind, err := enums.ParseGenerationKind(strings.TrimSpace(chi.URLParam(r, "kind")))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "kind must be image or video"))
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		cursor, err := validators.ParseQueryString(r, "cursor", maxCursorLength)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		page, err := lister.List(r.Context(), userID, kind, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if page.Items == nil {
			page.Items = []models.GalleryItem{}
		}
		responses.WriteSuccess(w, page)
	}
}

func requireUser(w http.ResponseWriter, r *http.Request, logg *logger.Logger) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return "", false
	}
	return userID, true
}
