package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"poflow/internal/purchase"
)

var purchaseOrderColumns = []string{
	"workflow_id", "aggregate_id", "po_number", "vendor_name", "vendor_key", "currency",
	"order_date", "total_cents", "confidence", "model_used", "line_count", "created_at", "updated_at",
}

// UpsertAggregate writes the purchase order and replaces its line items in one
// transaction. Re-running it for the same workflow keeps the aggregate id.
func (s *Store) UpsertAggregate(ctx context.Context, order *purchase.Order) (purchase.AggregateResult, error) {
	if order == nil || strings.TrimSpace(order.WorkflowID) == "" {
		return purchase.AggregateResult{}, errors.New("upsert aggregate: workflow id is required")
	}
	now := formatTime(s.now())
	var result purchase.AggregateResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT aggregate_id FROM purchase_orders WHERE workflow_id = ?`),
			order.WorkflowID).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("load aggregate id: %w", err)
		}
		aggregateID := existing
		if aggregateID == "" {
			aggregateID = order.AggregateID
		}
		if aggregateID == "" {
			aggregateID = uuid.NewString()
		}

		var orderDate any
		if order.OrderDate != nil {
			orderDate = order.OrderDate.UTC().Format(time.DateOnly)
		}
		upsert := s.dialect.upsert("purchase_orders", purchaseOrderColumns, []string{"workflow_id"},
			[]string{"po_number", "vendor_name", "vendor_key", "currency", "order_date", "total_cents",
				"confidence", "model_used", "line_count", "updated_at"})
		if _, err := s.txExec(ctx, tx, upsert,
			order.WorkflowID, aggregateID, order.PONumber, order.VendorName, order.VendorKey, order.Currency,
			orderDate, order.TotalCents, order.Confidence, order.ModelUsed, len(order.Lines), now, now,
		); err != nil {
			return fmt.Errorf("upsert purchase order: %w", err)
		}
		if _, err := s.txExec(ctx, tx, `DELETE FROM line_items WHERE workflow_id = ?`, order.WorkflowID); err != nil {
			return fmt.Errorf("clear line items: %w", err)
		}
		for i, line := range order.Lines {
			lineNo := line.LineNo
			if lineNo <= 0 {
				lineNo = i + 1
			}
			if _, err := s.txExec(ctx, tx, `INSERT INTO line_items
				(workflow_id, line_no, sku, description, quantity, unit_price_cents, total_cents)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				order.WorkflowID, lineNo, line.SKU, nullableString(line.Description), line.Quantity,
				line.UnitPriceCents, line.TotalCents,
			); err != nil {
				return fmt.Errorf("insert line item %d: %w", lineNo, err)
			}
		}
		result = purchase.AggregateResult{AggregateID: aggregateID, ChildRecordCount: len(order.Lines)}
		return nil
	})
	if err != nil {
		return purchase.AggregateResult{}, err
	}
	order.AggregateID = result.AggregateID
	return result, nil
}

// CountLineItems returns the number of persisted line items for a workflow.
func (s *Store) CountLineItems(ctx context.Context, workflowID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM line_items WHERE workflow_id = ?`, workflowID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count line items: %w", err)
	}
	return n, nil
}

// AggregateConfidence returns the stored extraction confidence of a workflow's
// purchase order. ok is false when no aggregate exists.
func (s *Store) AggregateConfidence(ctx context.Context, workflowID string) (confidence float64, ok bool, err error) {
	err = s.queryRow(ctx, `SELECT confidence FROM purchase_orders WHERE workflow_id = ?`, workflowID).Scan(&confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read aggregate confidence: %w", err)
	}
	return confidence, true, nil
}

// GetAggregate loads the purchase order and its line items for a workflow.
func (s *Store) GetAggregate(ctx context.Context, workflowID string) (*purchase.Order, error) {
	var (
		order     purchase.Order
		orderDate sql.NullString
	)
	err := s.queryRow(ctx, `SELECT workflow_id, aggregate_id, po_number, vendor_name, vendor_key, currency,
		order_date, total_cents, confidence, model_used FROM purchase_orders WHERE workflow_id = ?`, workflowID,
	).Scan(&order.WorkflowID, &order.AggregateID, &order.PONumber, &order.VendorName, &order.VendorKey,
		&order.Currency, &orderDate, &order.TotalCents, &order.Confidence, &order.ModelUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("aggregate for %s: %w", workflowID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get aggregate: %w", err)
	}
	if orderDate.Valid {
		if t, err := time.Parse(time.DateOnly, orderDate.String); err == nil {
			order.OrderDate = &t
		}
	}

	rows, err := s.query(ctx, `SELECT line_no, sku, description, quantity, unit_price_cents, total_cents
		FROM line_items WHERE workflow_id = ? ORDER BY line_no`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			line purchase.Line
			desc sql.NullString
		)
		if err := rows.Scan(&line.LineNo, &line.SKU, &desc, &line.Quantity, &line.UnitPriceCents, &line.TotalCents); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		line.Description = desc.String
		order.Lines = append(order.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line items: %w", err)
	}
	return &order, nil
}
