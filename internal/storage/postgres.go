package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"aire/internal/constants"
	"aire/pkg/metrics"
	"aire/pkg/models"
)

var measurementColumns = []string{
	"device_id", "channel", "observed_at", "observed_date",
	"pm25", "pm10", "temperature", "relative_humidity", "no2", "co2",
	"wind_speed", "wind_direction", "day_of_year", "weight", "raw_payload",
}

// maxRowsPerStatement keeps a single INSERT well under the 65535 bind
// parameter limit of the postgres protocol.
const maxRowsPerStatement = 1000

type PostgresGateway struct {
	db *sql.DB
}

func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

// SaveBatch inserts with ON CONFLICT DO NOTHING on the natural key, so the
// affected row count is the number of new rows and the rest are duplicates.
// Chunks run in one transaction.
func (g *PostgresGateway) SaveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error) {
	if len(records) == 0 {
		return SaveResult{}, nil
	}

	start := time.Now()
	res, err := g.saveBatch(ctx, records)
	metrics.ObserveDatabaseQuery(constants.DatabasePostgres, "save_batch", err, time.Since(start))
	return res, err
}

func (g *PostgresGateway) saveBatch(ctx context.Context, records []models.MeasurementRecord) (SaveResult, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return SaveResult{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total SaveResult
	for start := 0; start < len(records); start += maxRowsPerStatement {
		end := start + maxRowsPerStatement
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		query, args := buildInsert(chunk)
		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return SaveResult{}, fmt.Errorf("insert %d measurements: %w", len(chunk), err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return SaveResult{}, fmt.Errorf("rows affected: %w", err)
		}
		total = total.Add(SaveResult{Saved: int(affected), Duplicates: len(chunk) - int(affected)})
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

func buildInsert(records []models.MeasurementRecord) (string, []interface{}) {
	cols := len(measurementColumns)
	args := make([]interface{}, 0, len(records)*cols)

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(constants.MeasurementsTable)
	sb.WriteString(" (")
	sb.WriteString(strings.Join(measurementColumns, ", "))
	sb.WriteString(") VALUES ")

	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c+1)
		}
		sb.WriteByte(')')
		args = append(args, recordArgs(rec)...)
	}

	sb.WriteString(" ON CONFLICT (device_id, channel, observed_at) DO NOTHING")
	return sb.String(), args
}

func recordArgs(rec models.MeasurementRecord) []interface{} {
	var raw interface{}
	if len(rec.RawPayload) > 0 {
		raw = string(rec.RawPayload)
	}

	return []interface{}{
		rec.DeviceID,
		string(rec.Channel),
		rec.ObservedAt,
		rec.ObservedAt.Format("2006-01-02"),
		rec.PM25,
		rec.PM10,
		rec.Temperature,
		rec.RelativeHumidity,
		rec.NO2,
		rec.CO2,
		rec.WindSpeed,
		rec.WindDirection,
		rec.DayOfYear,
		rec.Weight,
		raw,
	}
}
