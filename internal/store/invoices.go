package store

import (
	"context"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

// PendingInvoices lists invoices still waiting for the billing service,
// oldest first.
func (s *Store) PendingInvoices(ctx context.Context) ([]workflow.Invoice, error) {
	rows, err := s.db.query(ctx, `
		SELECT project_id, invoice_id, amount, status, created_at
		FROM invoices WHERE status = 'pending'
		ORDER BY created_at, project_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]workflow.Invoice, 0)
	for rows.Next() {
		var (
			inv     workflow.Invoice
			status  string
			created nullTime
		)
		if err := rows.Scan(&inv.ProjectID, &inv.InvoiceID, &inv.Amount, &status, &created); err != nil {
			return nil, err
		}
		inv.Status = workflow.InvoiceStatus(status)
		inv.CreatedAt = created.Time
		out = append(out, inv)
	}
	return out, rows.Err()
}

// RecordInvoice marks the pending invoice of the project issued and books its
// amount as spent. Recording twice is a no-op.
func (s *Store) RecordInvoice(ctx context.Context, projectID int64, invoiceID string) error {
	return s.db.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, `
			UPDATE invoices SET invoice_id = $2, status = 'issued'
			WHERE project_id = $1 AND status = 'pending'
		`, projectID, invoiceID)
		if err != nil || n == 0 {
			return err
		}
		_, err = q.exec(ctx, `
			UPDATE projects SET spent = spent + (SELECT amount FROM invoices WHERE project_id = $1)
			WHERE id = $1
		`, projectID)
		return err
	})
}
