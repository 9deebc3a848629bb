package controllers

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/genstudio-backend/api/middleware"
	"github.com/angelmondragon/genstudio-backend/api/responses"
	"github.com/angelmondragon/genstudio-backend/api/validators"
	"github.com/angelmondragon/genstudio-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

type createPaymentRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Credits int             `json:"credits" validate:"required,min=1"`
}

type createPaymentResponse struct {
	PaymentURL string `json:"paymentUrl"`
}

// CreatePayPalPayment starts a PayPal checkout for one credit pack.
func CreatePayPalPayment(svc payments.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment service unavailable"))
			return
		}
		userID := middleware.UserIDFromContext(r.Context())
		if userID == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing"))
			return
		}
		var body createPaymentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if !body.Amount.IsPositive() {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive"))
			return
		}

		checkout, err := svc.CreatePayment(r.Context(), userID, body.Amount, body.Credits)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteJSON(w, http.StatusOK, createPaymentResponse{PaymentURL: checkout.PaymentURL})
	}
}

// PaymentSuccess completes an approved payment and sends the browser back to
// the pricing page. It never renders an error body.
func PaymentSuccess(svc payments.Service, frontendURL string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		paymentID := strings.TrimSpace(q.Get("paymentId"))
		payerID := strings.TrimSpace(q.Get("PayerID"))
		userID := strings.TrimSpace(q.Get("userId"))
		credits, _ := strconv.Atoi(strings.TrimSpace(q.Get("credits")))

		ctx := r.Context()
		if logg != nil {
			ctx = logg.WithFields(ctx, map[string]any{"user_id": userID, "payment_id": paymentID})
		}
		if svc == nil || userID == "" {
			if logg != nil {
				logg.Warn(ctx, "payment.success_rejected")
			}
			redirectPricing(w, r, frontendURL, url.Values{"payment": {"failed"}})
			return
		}
		if _, err := svc.CompletePayment(ctx, userID, paymentID, payerID, credits); err != nil {
			if logg != nil {
				logg.Error(ctx, "payment.success_failed", err)
			}
			redirectPricing(w, r, frontendURL, url.Values{"payment": {"failed"}})
			return
		}
		redirectPricing(w, r, frontendURL, url.Values{
			"payment": {"success"},
			"credits": {strconv.Itoa(credits)},
		})
	}
}

// PaymentCancel records an abandoned checkout and redirects to pricing.
func PaymentCancel(svc payments.Service, frontendURL string, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		paymentID := strings.TrimSpace(q.Get("paymentId"))
		if paymentID == "" {
			paymentID = strings.TrimSpace(q.Get("token"))
		}
		if svc != nil && paymentID != "" {
			if err := svc.CancelPayment(r.Context(), paymentID); err != nil && logg != nil {
				logg.Error(logg.WithField(r.Context(), "payment_id", paymentID), "payment.cancel_failed", err)
			}
		}
		redirectPricing(w, r, frontendURL, url.Values{"payment": {"cancelled"}})
	}
}

func redirectPricing(w http.ResponseWriter, r *http.Request, frontendURL string, query url.Values) {
	target := strings.TrimRight(frontendURL, "/") + "/pricing?" + query.Encode()
	http.Redirect(w, r, target, http.StatusFound)
}
