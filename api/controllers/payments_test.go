package controllers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/genstudio-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
)

type stubPaymentService struct {
	createFn   func(ctx context.Context, userID string, amount decimal.Decimal, credits int) (*payments.Checkout, error)
	completeFn func(ctx context.Context, userID, paymentID, payerID string, credits int) (int, error)
	cancelled  []string
}

func (s *stubPaymentService) CreatePayment(ctx context.Context, userID string, amount decimal.Decimal, credits int) (*payments.Checkout, error) {
	return s.createFn(ctx, userID, amount, credits)
}

func (s *stubPaymentService) CompletePayment(ctx context.Context, userID, paymentID, payerID string, credits int) (int, error) {
	return s.completeFn(ctx, userID, paymentID, payerID, credits)
}

func (s *stubPaymentService) CancelPayment(_ context.Context, paymentID string) error {
	s.cancelled = append(s.cancelled, paymentID)
	return nil
}

const frontend = "https://app.example.com/"

func TestCreatePayPalPayment(t *testing.T) {
	svc := &stubPaymentService{createFn: func(_ context.Context, userID string, amount decimal.Decimal, credits int) (*payments.Checkout, error) {
		if userID != "u1" || !amount.Equal(decimal.RequireFromString("6.99")) || credits != 72 {
			t.Fatalf("unexpected args %s %s %d", userID, amount, credits)
		}
		return &payments.Checkout{PaymentID: "PAY-1", PaymentURL: "https://paypal.example/approve"}, nil
	}}
	req := withUser(httptest.NewRequest(http.MethodPost, "/create-paypal-payment", strings.NewReader(`{"amount":6.99,"credits":72}`)), "u1")
	resp := httptest.NewRecorder()
	CreatePayPalPayment(svc, testLogger())(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var out map[string]string
	decodeBody(t, resp.Body.Bytes(), &out)
	if out["paymentUrl"] != "https://paypal.example/approve" {
		t.Fatalf("unexpected body %v", out)
	}
}

func TestCreatePayPalPaymentRejectsUnknownPack(t *testing.T) {
	svc := &stubPaymentService{createFn: func(context.Context, string, decimal.Decimal, int) (*payments.Checkout, error) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount and credits do not match a credit pack")
	}}
	req := withUser(httptest.NewRequest(http.MethodPost, "/create-paypal-payment", strings.NewReader(`{"amount":1.00,"credits":500}`)), "u1")
	resp := httptest.NewRecorder()
	CreatePayPalPayment(svc, testLogger())(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	requireErrorCode(t, resp.Body.Bytes(), string(pkgerrors.CodeValidation))
}

func TestPaymentSuccessRedirects(t *testing.T) {
	svc := &stubPaymentService{completeFn: func(_ context.Context, userID, paymentID, payerID string, credits int) (int, error) {
		if userID != "u1" || paymentID != "PAY-1" || payerID != "PAYER" || credits != 150 {
			t.Fatalf("unexpected args %s %s %s %d", userID, paymentID, payerID, credits)
		}
		return 160, nil
	}}
	req := httptest.NewRequest(http.MethodGet, "/success?paymentId=PAY-1&PayerID=PAYER&userId=u1&credits=150", nil)
	resp := httptest.NewRecorder()
	PaymentSuccess(svc, frontend, testLogger())(resp, req)

	if resp.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.Code)
	}
	if loc := resp.Header().Get("Location"); loc != "https://app.example.com/pricing?credits=150&payment=success" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestPaymentSuccessFailureRedirects(t *testing.T) {
	svc := &stubPaymentService{completeFn: func(context.Context, string, string, string, int) (int, error) {
		return 0, errors.New("execute failed")
	}}
	req := httptest.NewRequest(http.MethodGet, "/success?paymentId=PAY-1&PayerID=PAYER&userId=u1&credits=150", nil)
	resp := httptest.NewRecorder()
	PaymentSuccess(svc, frontend, testLogger())(resp, req)

	if loc := resp.Header().Get("Location"); loc != "https://app.example.com/pricing?payment=failed" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestPaymentSuccessWithoutUserFails(t *testing.T) {
	svc := &stubPaymentService{completeFn: func(context.Context, string, string, string, int) (int, error) {
		t.Fatal("completion must not run without a user")
		return 0, nil
	}}
	req := httptest.NewRequest(http.MethodGet, "/success?paymentId=PAY-1&PayerID=PAYER", nil)
	resp := httptest.NewRecorder()
	PaymentSuccess(svc, frontend, testLogger())(resp, req)

	if loc := resp.Header().Get("Location"); !strings.HasSuffix(loc, "payment=failed") {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestPaymentCancelUsesToken(t *testing.T) {
	svc := &stubPaymentService{}
	req := httptest.NewRequest(http.MethodGet, "/cancel?token=EC-123", nil)
	resp := httptest.NewRecorder()
	PaymentCancel(svc, frontend, testLogger())(resp, req)

	if resp.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.Code)
	}
	if loc := resp.Header().Get("Location"); loc != "https://app.example.com/pricing?payment=cancelled" {
		t.Fatalf("unexpected location %q", loc)
	}
	if len(svc.cancelled) != 1 || svc.cancelled[0] != "EC-123" {
		t.Fatalf("unexpected cancellations %v", svc.cancelled)
	}
}
