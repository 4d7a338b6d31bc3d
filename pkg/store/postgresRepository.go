package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"
)

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func (p *PostgresRepository) RecordOutcome(ctx context.Context, outcome *FulfillmentOutcome) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "RecordOutcome")
	defer span.End()

	startTime := time.Now()

	// the first decision for an order wins; redeliveries must not overwrite it
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO fulfillment_outcomes (id, order_id, status, reason, finalized, created_at, updated_at)
         VALUES ($1, $2, $3, $4, $5, $6, $6)
         ON CONFLICT (order_id) DO NOTHING`,
		outcome.ID, outcome.OrderID, outcome.Status, outcome.Reason, outcome.Finalized, time.Now())
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", "RecordOutcome", 1, time.Since(startTime))
	return nil
}

func (p *PostgresRepository) FindByOrderID(ctx context.Context, orderID int64) (*FulfillmentOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindByOrderID")
	defer span.End()

	startTime := time.Now()

	var outcome FulfillmentOutcome
	err := p.db.QueryRowContext(ctx,
		`SELECT id, order_id, status, reason, finalized, created_at, updated_at
         FROM fulfillment_outcomes WHERE order_id = $1`,
		orderID).Scan(&outcome.ID, &outcome.OrderID, &outcome.Status, &outcome.Reason,
		&outcome.Finalized, &outcome.CreatedAt, &outcome.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "FindByOrderID", 1, time.Since(startTime))
	return &outcome, nil
}

func (p *PostgresRepository) MarkFinalized(ctx context.Context, orderID int64) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkFinalized")
	defer span.End()

	startTime := time.Now()

	_, err := p.db.ExecContext(ctx,
		`UPDATE fulfillment_outcomes SET finalized=true, updated_at=$1 WHERE order_id=$2`,
		time.Now(), orderID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", "MarkFinalized", 1, time.Since(startTime))
	return nil
}

func (p *PostgresRepository) ListUnfinalized(ctx context.Context, olderThan time.Duration, limit int) ([]FulfillmentOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ListUnfinalized")
	defer span.End()

	startTime := time.Now()

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, order_id, status, reason, finalized, created_at, updated_at
         FROM fulfillment_outcomes
         WHERE finalized=false AND updated_at < $1
         ORDER BY updated_at ASC LIMIT $2`,
		time.Now().Add(-olderThan), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	var outcomes []FulfillmentOutcome
	for rows.Next() {
		var outcome FulfillmentOutcome
		if err := rows.Scan(&outcome.ID, &outcome.OrderID, &outcome.Status, &outcome.Reason,
			&outcome.Finalized, &outcome.CreatedAt, &outcome.UpdatedAt); err != nil {
			span.RecordError(err)
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}

	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "postgresql", "ListUnfinalized", len(outcomes), time.Since(startTime))
	return outcomes, nil
}
