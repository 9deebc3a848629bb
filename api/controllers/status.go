package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/genstudio-backend/api/middleware"
	"github.com/angelmondragon/genstudio-backend/api/responses"
	"github.com/angelmondragon/genstudio-backend/internal/reconcile"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

type checkStatusResponse struct {
	Status   enums.PredictionStatus `json:"status"`
	ImageURL string                 `json:"imageUrl,omitempty"`
	VideoURL string                 `json:"videoUrl,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Value    int                    `json:"value"`
}

// CheckStatus polls one prediction, applying a terminal outcome at most once,
// and reports the status together with the caller's balance.
func CheckStatus(poller reconcile.Poller, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if poller == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "status service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		predictionID := strings.TrimSpace(chi.URLParam(r, "predictionId"))
		if predictionID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "predictionId is required"))
			return
		}

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithPredictionID(ctx, predictionID)
		}
		result, err := poller.Poll(ctx, userID, predictionID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		out := checkStatusResponse{
			Status: result.Status,
			Error:  result.Error,
			Value:  result.Balance,
		}
		if result.OutputURL != "" {
			if result.Kind == enums.GenerationKindImage {
				out.ImageURL = result.OutputURL
			} else {
				out.VideoURL = result.OutputURL
			}
		}
		responses.WriteJSON(w, http.StatusOK, out)
	}
}
