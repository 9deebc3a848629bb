package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cbigquery "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/angelmondragon/genstudio-backend/internal/analytics/types"
	pkgbigquery "github.com/angelmondragon/genstudio-backend/pkg/bigquery"
)

// Config selects the usage table and the insert retry policy.
type Config struct {
	UsageTable  string
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

type tableInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

// BigQueryWriter streams one usage row per call. Rows carry the event id as
// their insert id, so a redelivered event does not produce a second row.
type BigQueryWriter struct {
	client      tableInserter
	table       string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	sleep       func(context.Context, time.Duration) error
}

func New(client *pkgbigquery.Client, cfg Config) (*BigQueryWriter, error) {
	if client == nil {
		return nil, errors.New("bigquery client required")
	}
	table := strings.TrimSpace(cfg.UsageTable)
	if table == "" {
		return nil, errors.New("usage table is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = max(cfg.Backoff, 2*time.Second)
	}
	return &BigQueryWriter{
		client:      client,
		table:       table,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		sleep:       sleepCtx,
	}, nil
}

// InsertUsage writes row before returning, retrying transient failures with
// doubling backoff. The caller acknowledges the event only after a nil error.
func (w *BigQueryWriter) InsertUsage(ctx context.Context, row types.UsageRow) error {
	rows := []any{&row}
	wait := w.backoff
	for attempt := 1; ; attempt++ {
		err := w.client.InsertRows(ctx, w.table, rows)
		if err == nil {
			return nil
		}
		if attempt >= w.maxAttempts || !transient(err) {
			return fmt.Errorf("insert usage row %s (attempt %d): %w", row.EventID, attempt, err)
		}
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
		wait = min(wait*2, w.maxBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transient reports whether every error inside err is worth retrying. Row
// level failures are only transient when all of their causes are.
func transient(err error) bool {
	var rowErrs cbigquery.PutMultiError
	if errors.As(err, &rowErrs) {
		if len(rowErrs) == 0 {
			return false
		}
		for _, rowErr := range rowErrs {
			if !allTransient(rowErr.Errors) {
				return false
			}
		}
		return true
	}
	var multi cbigquery.MultiError
	if errors.As(err, &multi) {
		return allTransient(multi)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusRequestTimeout,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Aborted, codes.DeadlineExceeded, codes.Internal,
			codes.ResourceExhausted, codes.Unavailable:
			return true
		}
	}
	return false
}

func allTransient(errs cbigquery.MultiError) bool {
	if len(errs) == 0 {
		return false
	}
	for _, err := range errs {
		if !transient(err) {
			return false
		}
	}
	return true
}

// EncodeJSON wraps an already encoded event payload for a JSON column.
// Empty or null payloads become SQL NULL.
func EncodeJSON(raw json.RawMessage) (cbigquery.NullJSON, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return cbigquery.NullJSON{}, nil
	}
	if !json.Valid([]byte(trimmed)) {
		return cbigquery.NullJSON{}, errors.New("payload is not valid json")
	}
	return cbigquery.NullJSON{JSONVal: trimmed, Valid: true}, nil
}
