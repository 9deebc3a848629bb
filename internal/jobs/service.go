package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/genstudio-backend/pkg/db"
	"github.com/angelmondragon/genstudio-backend/pkg/db/models"
	"github.com/angelmondragon/genstudio-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/genstudio-backend/pkg/errors"
)

var (
	// ErrNotFound is returned for unknown or foreign prediction ids.
	ErrNotFound = pkgerrors.New(pkgerrors.CodeNotFound, "job not found")
	// ErrAlreadyExists means the prediction was recorded by an earlier attempt.
	ErrAlreadyExists = errors.New("job already recorded")
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// NewJob carries what is known about a prediction at submission time.
type NewJob struct {
	UserID        string
	PredictionID  string
	Kind          enums.GenerationKind
	Model         string
	UpstreamModel string
	Prompt        string
	Status        enums.PredictionStatus
	CreditCost    int
	Quality       *string
	Duration      *int
}

// ActiveCursor is a keyset position in the active-jobs index.
type ActiveCursor struct {
	CreatedAt    time.Time
	PredictionID string
}

// CursorAfter returns the position just past row.
func CursorAfter(row models.ActiveJob) *ActiveCursor {
	return &ActiveCursor{CreatedAt: row.CreatedAt, PredictionID: row.PredictionID}
}

// Outcome is the terminal result written when a job is processed.
type Outcome struct {
	Status       enums.PredictionStatus
	OutputURL    *string
	ErrorMessage *string
}

// Service is the job registry.
type Service interface {
	CreateJob(ctx context.Context, input NewJob) (*models.GenerationJob, error)
	CreateJobTx(ctx context.Context, tx *gorm.DB, input NewJob) (*models.GenerationJob, error)
	GetJob(ctx context.Context, userID, predictionID string) (*models.GenerationJob, error)
	UpdateStatus(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, outputURL *string) (bool, error)
	MarkProcessed(ctx context.Context, userID, predictionID string, outcome Outcome) (bool, error)
	MarkProcessedTx(ctx context.Context, tx *gorm.DB, userID, predictionID string, outcome Outcome) (bool, error)
	RemoveFromActive(ctx context.Context, userID, predictionID string) error
	RemoveFromActiveTx(ctx context.Context, tx *gorm.DB, userID, predictionID string) error
	ListActive(ctx context.Context, userID string) ([]models.ActiveJob, error)
	ListActiveAll(ctx context.Context, after *ActiveCursor, limit int) ([]models.ActiveJob, error)
	ListJobs(ctx context.Context, userID string, kind enums.GenerationKind, limit int) ([]models.GenerationJob, error)
}

type service struct {
	repo Repository
	tx   txRunner
	now  func() time.Time
}

func NewService(repo Repository, tx txRunner) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("jobs repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *service) CreateJob(ctx context.Context, input NewJob) (*models.GenerationJob, error) {
	var job *models.GenerationJob
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		created, err := s.CreateJobTx(ctx, tx, input)
		job = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CreateJobTx writes the job row and its active-index entry in tx.
func (s *service) CreateJobTx(ctx context.Context, tx *gorm.DB, input NewJob) (*models.GenerationJob, error) {
	if err := validateNewJob(input); err != nil {
		return nil, err
	}
	status := input.Status
	if status == "" {
		status = enums.PredictionStarting
	}
	now := s.now()
	job := &models.GenerationJob{
		PredictionID:  input.PredictionID,
		UserID:        input.UserID,
		Kind:          input.Kind,
		Model:         input.Model,
		UpstreamModel: input.UpstreamModel,
		Prompt:        input.Prompt,
		Status:        status,
		CreditCost:    input.CreditCost,
		Quality:       input.Quality,
		Duration:      input.Duration,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	active := &models.ActiveJob{
		UserID:       input.UserID,
		PredictionID: input.PredictionID,
		Prompt:       input.Prompt,
		CreatedAt:    now,
	}
	if err := s.repo.WithTx(tx).Create(ctx, job, active); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}
	return job, nil
}

func (s *service) GetJob(ctx context.Context, userID, predictionID string) (*models.GenerationJob, error) {
	if userID == "" || predictionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user id and prediction id required")
	}
	job, err := s.repo.Get(ctx, userID, predictionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *service) UpdateStatus(ctx context.Context, userID, predictionID string, status enums.PredictionStatus, outputURL *string) (bool, error) {
	if !status.IsValid() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid status %q", status))
	}
	return s.repo.UpdateStatus(ctx, userID, predictionID, status, outputURL)
}

func (s *service) MarkProcessed(ctx context.Context, userID, predictionID string, outcome Outcome) (bool, error) {
	var flipped bool
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ok, err := s.MarkProcessedTx(ctx, tx, userID, predictionID, outcome)
		flipped = ok
		return err
	})
	return flipped, err
}

// MarkProcessedTx flips is_processed false to true. Only the caller that
// performs the flip sees true.
func (s *service) MarkProcessedTx(ctx context.Context, tx *gorm.DB, userID, predictionID string, outcome Outcome) (bool, error) {
	if !outcome.Status.IsTerminal() {
		return false, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("status %q is not terminal", outcome.Status))
	}
	return s.repo.WithTx(tx).MarkProcessed(ctx, userID, predictionID, outcome, s.now())
}

func (s *service) RemoveFromActive(ctx context.Context, userID, predictionID string) error {
	return s.repo.DeleteActive(ctx, userID, predictionID)
}

func (s *service) RemoveFromActiveTx(ctx context.Context, tx *gorm.DB, userID, predictionID string) error {
	return s.repo.WithTx(tx).DeleteActive(ctx, userID, predictionID)
}

func (s *service) ListActive(ctx context.Context, userID string) ([]models.ActiveJob, error) {
	return s.repo.ListActive(ctx, userID)
}

func (s *service) ListActiveAll(ctx context.Context, after *ActiveCursor, limit int) ([]models.ActiveJob, error) {
	return s.repo.ListActiveAll(ctx, after, limit)
}

func (s *service) ListJobs(ctx context.Context, userID string, kind enums.GenerationKind, limit int) ([]models.GenerationJob, error) {
	if kind != "" && !kind.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", kind))
	}
	return s.repo.List(ctx, userID, kind, limit)
}

func validateNewJob(input NewJob) error {
	switch {
	case input.UserID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "user id required")
	case input.PredictionID == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "prediction id required")
	case !input.Kind.IsValid():
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid kind %q", input.Kind))
	case strings.TrimSpace(input.Prompt) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "prompt required")
	case input.CreditCost <= 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "credit cost must be positive")
	}
	return nil
}
