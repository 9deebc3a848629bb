package controllers

import (
	"net/http"

	"github.com/angelmondragon/genstudio-backend/api/middleware"
	"github.com/angelmondragon/genstudio-backend/api/responses"
	"github.com/angelmondragon/genstudio-backend/api/validators"
	"github.com/angelmondragon/genstudio-backend/internal/generation"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const maxPromptLength = 2000

type generateImageRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt" validate:"required"`
	Width     int    `json:"width" validate:"omitempty,min=0"`
	Height    int    `json:"height" validate:"omitempty,min=0"`
	InitImage string `json:"init_image"`
}

type generateVideoRequest struct {
	Model    string `json:"model" validate:"required"`
	Prompt   string `json:"prompt" validate:"required"`
	Quality  string `json:"quality"`
	Duration int    `json:"duration" validate:"required"`
	Image    string `json:"image"`
}

// GenerateImage submits an image prediction and answers 202 with its id.
func GenerateImage(svc generation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body generateImageRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		submit(w, r, svc, logg, generation.Request{
			Kind:   enums.GenerationKindImage,
			Model:  body.Model,
			Prompt: validators.SanitizeString(body.Prompt, maxPromptLength),
			Width:  body.Width,
			Height: body.Height,
			Image:  body.InitImage,
		})
	}
}

// GenerateVideo submits a video prediction and answers 202 with its id.
func GenerateVideo(svc generation.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body generateVideoRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		submit(w, r, svc, logg, generation.Request{
			Kind:     enums.GenerationKindVideo,
			Model:    body.Model,
			Prompt:   validators.SanitizeString(body.Prompt, maxPromptLength),
			Quality:  body.Quality,
			Duration: body.Duration,
			Image:    body.Image,
		})
	}
}

func submit(w http.ResponseWriter, r *http.Request, svc generation.Service, logg *logger.Logger, req generation.Request) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "generation service unavailable"))
		return
	}
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
		return
	}

	result, err := svc.Submit(r.Context(), userID, req)
	if err != nil {
		responses.WriteError(r.Context(), logg, w, err)
		return
	}
	responses.WriteJSON(w, http.StatusAccepted, result)
}
