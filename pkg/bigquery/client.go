package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/angelmondragon/genstudio-backend/pkg/config"
	"github.com/angelmondragon/genstudio-backend/pkg/logger"
)

const metadataTimeout = 10 * time.Second

var (
	errProjectIDRequired    = errors.New("gcp project id is required")
	errDatasetRequired      = errors.New("bigquery dataset is required")
	errTableNameRequired    = errors.New("bigquery table name is required")
	errClientNotInitialized = errors.New("bigquery client not initialized")
)

// TableSpec describes a table the client owns. A missing table is created
// from Schema, day-partitioned on PartitionField when set.
type TableSpec struct {
	Name           string
	Schema         bigquery.Schema
	PartitionField string
}

// Client streams rows into one dataset.
type Client struct {
	client     *bigquery.Client
	dataset    *bigquery.Dataset
	usageTable string
}

// NewClient connects to the configured dataset and makes sure every table in
// specs exists. The dataset itself must already exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.BigQueryConfig, logg *logger.Logger, specs ...TableSpec) (*Client, error) {
	projectID := strings.TrimSpace(gcp.ProjectID)
	if projectID == "" {
		return nil, errProjectIDRequired
	}
	datasetID := strings.TrimSpace(cfg.Dataset)
	if datasetID == "" {
		return nil, errDatasetRequired
	}

	bqClient, err := bigquery.NewClient(ctx, projectID, clientOptions(gcp)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	client := &Client{
		client:     bqClient,
		dataset:    bqClient.Dataset(datasetID),
		usageTable: strings.TrimSpace(cfg.UsageTable),
	}
	if err := client.Ping(ctx); err != nil {
		_ = bqClient.Close()
		return nil, err
	}
	for _, spec := range specs {
		created, err := client.ensureTable(ctx, spec)
		if err != nil {
			_ = bqClient.Close()
			return nil, err
		}
		if created {
			logg.Info(logg.WithField(ctx, "table", spec.Name), "bigquery.table_created")
		}
	}
	return client, nil
}

func clientOptions(gcp config.GCPConfig) []option.ClientOption {
	switch {
	case strings.TrimSpace(gcp.CredentialsJSON) != "":
		return []option.ClientOption{option.WithCredentialsJSON([]byte(gcp.CredentialsJSON))}
	case strings.TrimSpace(gcp.ApplicationCredentials) != "":
		return []option.ClientOption{option.WithCredentialsFile(gcp.ApplicationCredentials)}
	}
	return nil
}

func (c *Client) ensureTable(ctx context.Context, spec TableSpec) (bool, error) {
	meta, err := tableMetadata(spec)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()

	table := c.dataset.Table(spec.Name)
	if _, err := table.Metadata(ctx); err == nil {
		return false, nil
	} else if !isStatus(err, http.StatusNotFound) {
		return false, fmt.Errorf("checking table %q: %w", spec.Name, err)
	}
	if err := table.Create(ctx, meta); err != nil && !isStatus(err, http.StatusConflict) {
		return false, fmt.Errorf("creating table %q: %w", spec.Name, err)
	}
	return true, nil
}

func tableMetadata(spec TableSpec) (*bigquery.TableMetadata, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, errTableNameRequired
	}
	if len(spec.Schema) == 0 {
		return nil, fmt.Errorf("table %q: schema required", spec.Name)
	}
	meta := &bigquery.TableMetadata{Schema: spec.Schema}
	if spec.PartitionField == "" {
		return meta, nil
	}
	for _, field := range spec.Schema {
		if field.Name == spec.PartitionField {
			if field.Type != bigquery.TimestampFieldType && field.Type != bigquery.DateFieldType {
				return nil, fmt.Errorf("table %q: partition field %q is %s", spec.Name, field.Name, field.Type)
			}
			meta.TimePartitioning = &bigquery.TimePartitioning{Type: bigquery.DayPartitioningType, Field: field.Name}
			return meta, nil
		}
	}
	return nil, fmt.Errorf("table %q: partition field %q not in schema", spec.Name, spec.PartitionField)
}

// Ping checks that the dataset is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.dataset == nil {
		return errClientNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, metadataTimeout)
	defer cancel()
	if _, err := c.dataset.Metadata(ctx); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("dataset %q does not exist", c.dataset.DatasetID)
		}
		return fmt.Errorf("checking dataset %q: %w", c.dataset.DatasetID, err)
	}
	return nil
}

// UsageTable returns the table that receives generation usage rows.
func (c *Client) UsageTable() string {
	if c == nil {
		return ""
	}
	return c.usageTable
}

// InsertRows streams rows into table. Rows implementing bigquery.ValueSaver
// supply their own insert ids.
func (c *Client) InsertRows(ctx context.Context, table string, rows []any) error {
	if c == nil || c.client == nil {
		return errClientNotInitialized
	}
	if strings.TrimSpace(table) == "" {
		return errTableNameRequired
	}
	if len(rows) == 0 {
		return nil
	}
	return c.dataset.Table(strings.TrimSpace(table)).Inserter().Put(ctx, rows)
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}
