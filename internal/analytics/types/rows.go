package types

import (
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	pkgbigquery "github.com/angelmondragon/genstudio-backend/pkg/bigquery"
)

// UsageRow mirrors the generation_usage BigQuery schema. CreditsDelta is
// signed from the user's point of view: debits are negative, refunds and
// purchases positive.
type UsageRow struct {
	EventID       string               `bigquery:"event_id"`
	EventType     string               `bigquery:"event_type"`
	OccurredAt    time.Time            `bigquery:"occurred_at"`
	UserID        string               `bigquery:"user_id"`
	AggregateType string               `bigquery:"aggregate_type"`
	AggregateID   string               `bigquery:"aggregate_id"`
	Kind          cbigquery.NullString `bigquery:"kind"`
	Model         cbigquery.NullString `bigquery:"model"`
	Status        cbigquery.NullString `bigquery:"status"`
	CreditsDelta  int64                `bigquery:"credits_delta"`
	AmountUSD     cbigquery.NullString `bigquery:"amount_usd"`
	Payload       cbigquery.NullJSON   `bigquery:"payload"`
}

// Save uses the event id as the streaming insert id so BigQuery drops
// replays of the same event.
func (r *UsageRow) Save() (map[string]cbigquery.Value, string, error) {
	saver := &cbigquery.StructSaver{Struct: r, InsertID: r.EventID}
	return saver.Save()
}

// UsageTableSpec is the generation_usage table definition, partitioned by
// event day.
func UsageTableSpec(name string) (pkgbigquery.TableSpec, error) {
	schema, err := cbigquery.InferSchema(UsageRow{})
	if err != nil {
		return pkgbigquery.TableSpec{}, err
	}
	return pkgbigquery.TableSpec{Name: name, Schema: schema, PartitionField: "occurred_at"}, nil
}
