package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/internal/credits"
	"github.com/angelmondragon/genstudio-backend/internal/gallery"
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
	msgNoOutput = "Prediction returned no output"
	msgFailed   = "Prediction failed"
	msgMissing  = "Prediction not found upstream"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// JobStore is the slice of the job registry the reconciler uses.
type JobStore interface {
	GetJob(ctx context.Context, userID, predictionID string) (*models.GenerationJob, error)
	UpdateStatus(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, outputURL *string) (bool, error)
	MarkProcessedTx(ctx context.Context, tx *gorm.DB, userID, predictionID string, outcome jobs.Outcome) (bool, error)
	RemoveFromActiveTx(ctx context.Context, tx *gorm.DB, userID, predictionID string) error
}

// Ledger is the slice of the credits service the reconciler uses.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int, error)
	CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int, reason enums.CreditReason, reference string) (int, error)
}

// Rehoster copies a finished output into durable storage.
type Rehoster interface {
	CopyFromURL(ctx context.Context, src, object, contentType string) (string, error)
}

// Result is the poll view of a job.
type Result struct {
	Status    enums.PredictionStatus
	OutputURL string
	Error     string
	Balance   int
	Kind      enums.GenerationKind
}

// Poller is implemented by Service and consumed by the watcher and sweeper.
type Poller interface {
	Poll(ctx context.Context, userID, predictionID string) (*Result, error)
}

// Service reconciles stored jobs with the prediction service.
type Service interface {
	Poller
	// Retire fails and refunds a job the prediction service no longer
	// knows. A job that was already processed is returned unchanged.
	Retire(ctx context.Context, userID, predictionID, reason string) (*Result, error)
}

type Deps struct {
	Jobs        JobStore
	Ledger      Ledger
	Gallery     gallery.Repository
	Predictions replicate.API
	Tx          txRunner
	Outbox      outbox.Emitter
	Metrics     *metrics.GenerationMetrics
	Logger      *logger.Logger
	Now         func() time.Time

	// Storage is optional. Outputs stay on the upstream URL when it is nil
	// or Rehost is off.
	Storage Rehoster
	Rehost  bool
}

type service struct {
	Deps
}

func NewService(deps Deps) (Service, error) {
	switch {
	case deps.Jobs == nil:
		return nil, fmt.Errorf("job store required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger required")
	case deps.Gallery == nil:
		return nil, fmt.Errorf("gallery repository required")
	case deps.Predictions == nil:
		return nil, fmt.Errorf("prediction client required")
	case deps.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case deps.Outbox == nil:
		return nil, fmt.Errorf("outbox emitter required")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &service{Deps: deps}, nil
}

// Poll reads the upstream prediction and folds it into the stored job. A
// terminal outcome is applied at most once no matter how many callers poll.
func (s *service) Poll(ctx context.Context, userID, predictionID string) (*Result, error) {
	ctx = s.Logger.WithJob(ctx, userID, predictionID)

	job, err := s.Jobs.GetJob(ctx, userID, predictionID)
	if err != nil {
		return nil, err
	}
	if job.IsProcessed && job.Status.IsTerminal() {
		return s.result(ctx, job)
	}

	pred, err := s.Predictions.GetPrediction(ctx, predictionID)
	if err != nil {
		if replicate.IsNotFound(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "prediction not found")
		}
		s.Metrics.IncPollError()
		return nil, pkgerrors.Wrap(pkgerrors.CodeUpstream, err, "failed to read prediction")
	}

	status := enums.ParsePredictionStatus(pred.Status)
	switch {
	case !status.IsTerminal():
		if _, err := s.Jobs.UpdateStatus(ctx, userID, predictionID, status, nil); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to update job status")
		}
		balance, err := s.Ledger.GetBalance(ctx, userID)
		if err != nil {
			return nil, err
		}
		return &Result{Status: status, Balance: balance, Kind: job.Kind}, nil
	case status == enums.PredictionSucceeded:
		output := pred.FirstOutputURL()
		if output == "" {
			err = s.fail(ctx, job, enums.PredictionFailed, msgNoOutput)
		} else {
			err = s.succeed(ctx, job, output)
		}
	default:
		msg := pred.ErrorMessage()
		if msg == "" {
			msg = msgFailed
		}
		err = s.fail(ctx, job, status, msg)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to finalize job")
	}

	// Re-read so concurrent pollers all report the outcome that was committed.
	job, err = s.Jobs.GetJob(ctx, userID, predictionID)
	if err != nil {
		return nil, err
	}
	return s.result(ctx, job)
}

func (s *service) Retire(ctx context.Context, userID, predictionID, reason string) (*Result, error) {
	ctx = s.Logger.WithJob(ctx, userID, predictionID)

	job, err := s.Jobs.GetJob(ctx, userID, predictionID)
	if err != nil {
		return nil, err
	}
	if !job.IsProcessed {
		if reason == "" {
			reason = msgMissing
		}
		if err := s.fail(ctx, job, enums.PredictionFailed, reason); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "failed to retire job")
		}
		if job, err = s.Jobs.GetJob(ctx, userID, predictionID); err != nil {
			return nil, err
		}
	}
	return s.result(ctx, job)
}

func (s *service) succeed(ctx context.Context, job *models.GenerationJob, output string) error {
	// Skip the copy when another poller finalized the job after it was loaded.
	current, err := s.Jobs.GetJob(ctx, job.UserID, job.PredictionID)
	if err != nil {
		return err
	}
	if current.IsProcessed {
		return nil
	}
	src := s.rehost(ctx, job, output)
	flipped := false
	err = s.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.Jobs.MarkProcessedTx(ctx, tx, job.UserID, job.PredictionID, jobs.Outcome{
			Status:    enums.PredictionSucceeded,
			OutputURL: &src,
		})
		if err != nil || !ok {
			return err
		}
		flipped = true
		if _, err := s.Gallery.WithTx(tx).Add(ctx, gallery.Item{
			UserID:       job.UserID,
			Kind:         job.Kind,
			PredictionID: job.PredictionID,
			Src:          src,
			Prompt:       job.Prompt,
			CreatedAt:    s.Now(),
		}); err != nil {
			return err
		}
		if err := s.Jobs.RemoveFromActiveTx(ctx, tx, job.UserID, job.PredictionID); err != nil {
			return err
		}
		return s.Outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventGenerationSucceeded,
			AggregateType: enums.AggregateGenerationJob,
			AggregateID:   job.PredictionID,
			Actor:         &outbox.ActorRef{UserID: job.UserID, Source: outbox.SourceReconcile},
			Data: payloads.GenerationSucceededEvent{
				PredictionID: job.PredictionID,
				UserID:       job.UserID,
				Kind:         job.Kind,
				Model:        job.Model,
				CreditCost:   job.CreditCost,
				OutputURL:    src,
				CompletedAt:  s.Now(),
			},
		})
	})
	if err == nil && flipped {
		s.Metrics.IncTerminal(job.Kind.String(), enums.PredictionSucceeded.String())
		s.Logger.Info(ctx, "generation.succeeded")
	}
	return err
}

func (s *service) fail(ctx context.Context, job *models.GenerationJob, status enums.PredictionStatus, msg string) error {
	flipped := false
	refunded := 0
	err := s.Tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.Jobs.MarkProcessedTx(ctx, tx, job.UserID, job.PredictionID, jobs.Outcome{
			Status:       status,
			ErrorMessage: &msg,
		})
		if err != nil || !ok {
			return err
		}
		flipped = true
		refunded = job.CreditCost
		if _, err := s.Ledger.CreditTx(ctx, tx, job.UserID, job.CreditCost, enums.CreditReasonRefund, job.PredictionID); err != nil {
			if !errors.Is(err, credits.ErrDuplicateTransaction) {
				return err
			}
			refunded = 0
		}
		if err := s.Jobs.RemoveFromActiveTx(ctx, tx, job.UserID, job.PredictionID); err != nil {
			return err
		}
		return s.Outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventGenerationFailed,
			AggregateType: enums.AggregateGenerationJob,
			AggregateID:   job.PredictionID,
			Actor:         &outbox.ActorRef{UserID: job.UserID, Source: outbox.SourceReconcile},
			Data: payloads.GenerationFailedEvent{
				PredictionID:    job.PredictionID,
				UserID:          job.UserID,
				Kind:            job.Kind,
				Model:           job.Model,
				Status:          status,
				Error:           msg,
				RefundedCredits: refunded,
				CompletedAt:     s.Now(),
			},
		})
	})
	if err == nil && flipped {
		s.Metrics.IncTerminal(job.Kind.String(), status.String())
		s.Logger.Info(s.Logger.WithFields(ctx, map[string]any{
			"status":           status,
			"refunded_credits": refunded,
			"reason":           msg,
		}), "generation.failed")
	}
	return err
}

// rehost copies the output into the bucket, falling back to the upstream URL.
func (s *service) rehost(ctx context.Context, job *models.GenerationJob, output string) string {
	if !s.Rehost || s.Storage == nil {
		return output
	}
	object, contentType := outputObject(job, output)
	hosted, err := s.Storage.CopyFromURL(ctx, output, object, contentType)
	if err != nil {
		s.Logger.Warn(s.Logger.WithField(ctx, "error", err.Error()), "generation.rehost_failed")
		return output
	}
	return hosted
}

func (s *service) result(ctx context.Context, job *models.GenerationJob) (*Result, error) {
	balance, err := s.Ledger.GetBalance(ctx, job.UserID)
	if err != nil {
		return nil, err
	}
	res := &Result{Status: job.Status, Balance: balance, Kind: job.Kind}
	if job.OutputURL != nil {
		res.OutputURL = *job.OutputURL
	}
	if job.ErrorMessage != nil {
		res.Error = *job.ErrorMessage
	}
	return res, nil
}

var outputContentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mov":  "video/quicktime",
}

// outputObject names the durable copy users/{uid}/{images|videos}/{id}.{ext}.
func outputObject(job *models.GenerationJob, output string) (string, string) {
	folder, ext := "images", "jpg"
	if job.Kind == enums.GenerationKindVideo {
		folder, ext = "videos", "mp4"
	}
	raw := output
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	if e := strings.ToLower(strings.TrimPrefix(path.Ext(raw), ".")); outputContentTypes[e] != "" {
		ext = e
	}
	return fmt.Sprintf("users/%s/%s/%s.%s", job.UserID, folder, job.PredictionID, ext), outputContentTypes[ext]
}
