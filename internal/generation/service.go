package generation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/internal/jobs"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
	"github.com/angelmondragon/genstudio-backend/pkg/metrics"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox"
	"github.com/angelmondragon/genstudio-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/genstudio-backend/pkg/replicate"
)

const (
	outcomeAccepted     = "accepted"
	outcomeRejected     = "rejected"
	outcomeUpstreamFail = "upstream_error"
	outcomeOrphaned     = "orphaned"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Ledger is the slice of the credits service the orchestrator uses.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int, reference string) (int, error)
	Credit(ctx context.Context, userID string, amount int, reason enums.CreditReason, reference string) (int, error)
}

// JobRecorder writes the job row inside a transaction.
type JobRecorder interface {
	CreateJobTx(ctx context.Context, tx *gorm.DB, input jobs.NewJob) (*models.GenerationJob, error)
}

// Uploader stores staged reference images.
type Uploader interface {
	Upload(ctx context.Context, object, contentType string, body io.Reader) (string, error)
}

// Tracker receives accepted jobs for background polling.
type Tracker interface {
	Track(userID, predictionID string)
}

// Result is returned to the caller right after submission.
type Result struct {
	PredictionID string                 `json:"predictionId"`
	Status       enums.PredictionStatus `json:"status"`
}

// Service is the generation orchestrator.
type Service interface {
	Submit(ctx context.Context, userID string, req Request) (*Result, error)
}

// Deps groups the collaborators of the orchestrator.
type Deps struct {
	Ledger      Ledger
	Jobs        JobRecorder
	Predictions replicate.API
	Tx          txRunner
	Outbox      outbox.Emitter
	Storage     Uploader
	Tracker     Tracker
	Metrics     *metrics.GenerationMetrics
	Logger      *logger.Logger

	CreateJobAttempts int
	RetryBackoff      time.Duration
	Now               func() time.Time
}

type service struct {
	Deps
}

func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job recorder required")
	case deps.Predictions == nil:
		return nil, fmt.Errorf("prediction client required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	if deps.CreateJobAttempts <= 0 {
		deps.CreateJobAttempts = 3
	}
	if deps.RetryBackoff <= 0 {
		deps.RetryBackoff = 200 * time.Millisecond
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &service{Deps: deps}, nil
}

// Submit validates, prices, debits and submits a prediction, then records
// the job. It returns as soon as the job is recorded.
func (s *service) Submit(ctx context.Context, userID string, req Request) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user id required")
	}
	ctx = s.Logger.WithUserID(ctx, userID)

	p, err := resolve(req)
	if err != nil {
		s.Metrics.IncSubmission(req.Kind.String(), req.Model, outcomeRejected)
		return nil, err
	}

	imageURL, err := s.stageImage(ctx, userID, p)
	if err != nil {
		return nil, err
	}

	reference := "submission:" + uuid.NewString()
	if _, err := s.Ledger.Debit(ctx, userID, p.cost, reference); err != nil {
		s.Metrics.IncSubmission(p.model.Kind.String(), p.model.Name, outcomeRejected)
		return nil, err
	}

	pred, err := s.Predictions.CreatePrediction(ctx, p.upstream, p.input(imageURL))
	if err == nil && (pred == nil || pred.ID == "") {
		err = errors.New("no prediction id returned")
	}
	if err != nil {
		s.refund(ctx, userID, p.cost, reference)
		s.Metrics.IncSubmission(p.model.Kind.String(), p.model.Name, outcomeUpstreamFail)
		return nil, upstreamError(err)
	}

	ctx = s.Logger.WithPredictionID(ctx, pred.ID)
	status := enums.ParsePredictionStatus(pred.Status)
	if err := s.recordJob(ctx, userID, pred.ID, status, p); err != nil {
		s.Logger.Error(s.Logger.WithFields(ctx, map[string]any{
			"credit_cost": p.cost,
			"model":       p.upstream,
		}), "generation.record_job_failed", err)
		s.abandon(ctx, userID, pred.ID, p.cost)
		s.Metrics.IncSubmission(p.model.Kind.String(), p.model.Name, outcomeOrphaned)
		return nil, pkgerrors.Wrap(pkgerrors.CodePersistence, err, "failed to record job").
			WithDetails(map[string]string{"predictionId": pred.ID})
	}

	if s.Tracker != nil {
		s.Tracker.Track(userID, pred.ID)
	}
	s.Metrics.IncSubmission(p.model.Kind.String(), p.model.Name, outcomeAccepted)
	s.Logger.Info(s.Logger.WithFields(ctx, map[string]any{
		"credit_cost": p.cost,
		"model":       p.upstream,
		"status":      status,
	}), "generation.submitted")

	return &Result{PredictionID: pred.ID, Status: status}, nil
}

func (s *service) stageImage(ctx context.Context, userID string, p *plan) (string, error) {
	if !p.needsImage() {
		return "", nil
	}
	if s.Storage == nil {
		return "data:" + p.image.ContentType + ";base64," + base64.StdEncoding.EncodeToString(p.image.Bytes), nil
	}
	prefix := "video"
	if p.model.Kind == enums.GenerationKindImage {
		prefix = "init"
	}
	object := fmt.Sprintf("users/%s/images/%s-%d.jpg", userID, prefix, s.Now().UnixMilli())
	url, err := s.Storage.Upload(ctx, object, p.image.ContentType, bytes.NewReader(p.image.Bytes))
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "failed to stage reference image")
	}
	return url, nil
}

func (s *service) recordJob(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, p *plan) error {
	input := jobs.NewJob{
		UserID:        userID,
		PredictionID:  predictionID,
		Kind:          p.model.Kind,
		Model:         p.model.Name,
		UpstreamModel: p.upstream,
		Prompt:        p.prompt,
		Status:        status,
		CreditCost:    p.cost,
	}
	if p.model.Kind == enums.GenerationKindVideo {
		duration := p.duration
		input.Duration = &duration
		if p.quality != "" {
			quality := p.quality
			input.Quality = &quality
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.CreateJobAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(s.RetryBackoff * time.Duration(1<<(attempt-1))):
			}
		}
		lastErr = s.Tx.WithTx(ctx, func(tx *gorm.DB) error {
			if _, err := s.Jobs.CreateJobTx(ctx, tx, input); err != nil {
				return err
			}
			return s.Outbox.Emit(ctx, tx, outbox.DomainEvent{
				EventType:     enums.EventGenerationSubmitted,
				AggregateType: enums.AggregateGenerationJob,
				AggregateID:   predictionID,
				Actor:         &outbox.ActorRef{UserID: userID, Source: outbox.SourceAPI},
				Data: payloads.GenerationSubmittedEvent{
					PredictionID: predictionID,
					UserID:       userID,
					Kind:         p.model.Kind,
					Model:        p.model.Name,
					CreditCost:   p.cost,
					Status:       status,
					SubmittedAt:  s.Now(),
				},
			})
		})
		if lastErr == nil || errors.Is(lastErr, jobs.ErrAlreadyExists) {
			return nil
		}
		s.Logger.Warn(ctx, fmt.Sprintf("generation.record_job attempt %d/%d failed: %v", attempt+1, s.CreateJobAttempts, lastErr))
	}
	return lastErr
}

// abandon cancels an unrecorded prediction and returns its credits. The
// refund is keyed on the prediction id so a later reconcile cannot repeat it.
func (s *service) abandon(ctx context.Context, userID, predictionID string, cost int) {
	ctx = context.WithoutCancel(ctx)
	if err := s.Predictions.CancelPrediction(ctx, predictionID); err != nil {
		s.Logger.Error(ctx, "generation.cancel_orphan_failed", err)
	}
	s.refund(ctx, userID, cost, predictionID)
}

func (s *service) refund(ctx context.Context, userID string, cost int, reference string) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.Ledger.Credit(ctx, userID, cost, enums.CreditReasonRefund, reference)
	if err != nil && !errors.Is(err, credits.ErrDuplicateTransaction) {
		s.Logger.Error(s.Logger.WithField(ctx, "reference", reference), "generation.refund_failed", err)
	}
}

func upstreamError(err error) error {
	if replicate.IsQueueFull(err) {
		return pkgerrors.Wrap(pkgerrors.CodeUpstreamOverloaded, err, "prediction service is overloaded")
	}
	return pkgerrors.Wrap(pkgerrors.CodeUpstream, err, "prediction submission failed")
}
