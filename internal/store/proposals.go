package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

const proposalColumns = `id, client_id, created_by, title, description, value, expected_close,
	functional_req, non_functional_req, client_comments, admin_comments, status, pm_id,
	created_at, updated_at`

func scanProposal(row rowScanner) (*workflow.Proposal, error) {
	var (
		p                         workflow.Proposal
		expected, created, update nullTime
		status                    string
		pm                        sql.NullInt64
	)
	err := row.Scan(&p.ID, &p.ClientID, &p.CreatedBy, &p.Title, &p.Description, &p.Value, &expected,
		&p.FunctionalReq, &p.NonFunctionalReq, &p.ClientComments, &p.AdminComments, &status, &pm,
		&created, &update)
	if err != nil {
		return nil, err
	}
	p.ExpectedClose = expected.ptr()
	p.Status = workflow.ProposalStatus(status)
	p.PMID = nullInt(pm)
	p.CreatedAt = created.Time
	p.UpdatedAt = update.Time
	return &p, nil
}

func (s *Store) CreateProposal(ctx context.Context, p *workflow.Proposal) error {
	now := time.Now().UTC()
	err := s.db.queryRow(ctx, `
		INSERT INTO proposals (client_id, created_by, title, description, value, expected_close,
			functional_req, non_functional_req, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, p.ClientID, p.CreatedBy, p.Title, p.Description, p.Value, utcPtr(p.ExpectedClose),
		p.FunctionalReq, p.NonFunctionalReq, string(p.Status), now).Scan(&p.ID)
	if err != nil {
		return err
	}
	p.CreatedAt, p.UpdatedAt = now, now
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id int64) (*workflow.Proposal, error) {
	p, err := scanProposal(s.db.queryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr(err)
	}
	return p, nil
}

func (s *Store) ListProposals(ctx context.Context, f workflow.ProposalFilter) ([]workflow.Proposal, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	i := 1

	if f.ClientID != 0 {
		where = append(where, fmt.Sprintf("client_id = $%d", i))
		args = append(args, f.ClientID)
		i++
	}
	if f.PMID != 0 {
		where = append(where, fmt.Sprintf("pm_id = $%d", i))
		args = append(args, f.PMID)
		i++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", i))
		args = append(args, string(f.Status))
		i++
	}

	query := `SELECT ` + proposalColumns + ` FROM proposals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", i)
	args = append(args, normalizeLimit(f.Limit))

	rows, err := s.db.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]workflow.Proposal, 0)
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// TransitionProposal moves the proposal to `to` if its status is one of
// `from`, applying the change in the same statement.
func (s *Store) TransitionProposal(ctx context.Context, id int64, from []workflow.ProposalStatus, to workflow.ProposalStatus, ch workflow.ProposalChange) (bool, error) {
	sets := []string{"status = $1", "updated_at = $2"}
	args := []any{string(to), time.Now().UTC()}
	i := 3

	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i))
		args = append(args, v)
		i++
	}
	if ch.Fields.Title != nil {
		set("title", *ch.Fields.Title)
	}
	if ch.Fields.Description != nil {
		set("description", *ch.Fields.Description)
	}
	if ch.Fields.Value != nil {
		set("value", *ch.Fields.Value)
	}
	if ch.Fields.ExpectedClose != nil {
		set("expected_close", ch.Fields.ExpectedClose.UTC())
	}
	if ch.Fields.FunctionalReq != nil {
		set("functional_req", *ch.Fields.FunctionalReq)
	}
	if ch.Fields.NonFunctionalReq != nil {
		set("non_functional_req", *ch.Fields.NonFunctionalReq)
	}
	if ch.AdminComments != nil {
		set("admin_comments", *ch.AdminComments)
	}
	if ch.ClearPM {
		sets = append(sets, "pm_id = NULL")
	}

	query := fmt.Sprintf(`UPDATE proposals SET %s WHERE id = $%d AND status IN (%s)`,
		strings.Join(sets, ", "), i, inList(from))
	args = append(args, id)

	n, err := s.db.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendComment adds a line to the comment thread of the proposal.
func (s *Store) AppendComment(ctx context.Context, id int64, field workflow.CommentField, text string) error {
	switch field {
	case workflow.ClientComments, workflow.AdminComments:
	default:
		return fmt.Errorf("unknown comment field %q", field)
	}
	col := string(field)
	n, err := s.db.exec(ctx, fmt.Sprintf(`
		UPDATE proposals SET
			%[1]s = CASE WHEN %[1]s = '' THEN $2 ELSE %[1]s || $4 || $2 END,
			updated_at = $3
		WHERE id = $1
	`, col), id, text, time.Now().UTC(), "\n")
	if err != nil {
		return err
	}
	if n == 0 {
		return workflow.ErrNotFound
	}
	return nil
}

func (s *Store) AssignPM(ctx context.Context, proposalID, pmID int64, maxLoad int) (bool, error) {
	var applied bool
	err := s.db.inTx(ctx, func(q querier) error {
		if err := s.lockPM(ctx, q, pmID); err != nil {
			return err
		}
		n, err := q.exec(ctx, fmt.Sprintf(`
			UPDATE proposals SET pm_id = $2, updated_at = $3
			WHERE id = $1 AND status IN (%s)
			  AND (SELECT COUNT(*) FROM proposals o
			       WHERE o.pm_id = $2 AND o.id <> $1 AND o.status IN (%s)) < $4
		`, inList([]workflow.ProposalStatus{workflow.ProposalSubmitted, workflow.ProposalClientReview}),
			inList(workflow.LoadStatuses)), proposalID, pmID, time.Now().UTC(), maxLoad)
		if err != nil {
			return err
		}
		applied = n == 1
		return nil
	})
	return applied, err
}

func (s *Store) PMLoad(ctx context.Context, pmID int64) (int, error) {
	var n int
	err := s.db.queryRow(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM proposals WHERE pm_id = $1 AND status IN (%s)`,
		inList(workflow.LoadStatuses)), pmID).Scan(&n)
	return n, err
}

func (s *Store) ApproveProposal(ctx context.Context, id int64, comment *string) (*workflow.Project, bool, error) {
	var project *workflow.Project
	err := s.db.inTx(ctx, func(q querier) error {
		now := time.Now().UTC()
		var (
			p        workflow.Project
			deadline nullTime
		)
		err := q.queryRow(ctx, fmt.Sprintf(`
			UPDATE proposals SET status = 'active', admin_comments = COALESCE($2, admin_comments), updated_at = $3
			WHERE id = $1 AND status IN (%s) AND pm_id IS NOT NULL
			RETURNING client_id, pm_id, title, value, expected_close
		`, inList([]workflow.ProposalStatus{workflow.ProposalSubmitted, workflow.ProposalClientReview})),
			id, comment, now).Scan(&p.ClientID, &p.PMID, &p.Title, &p.Budget, &deadline)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}

		p.ID = id
		p.Deadline = deadline.ptr()
		p.Status = workflow.ProjectActive
		p.CreatedAt = now
		_, err = q.exec(ctx, `
			INSERT INTO projects (id, client_id, pm_id, title, budget, spent, deadline, status, created_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, 'active', $7)
		`, p.ID, p.ClientID, p.PMID, p.Title, p.Budget, utcPtr(p.Deadline), now)
		if err != nil {
			return err
		}
		project = &p
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return project, project != nil, nil
}

// CancelProposal cancels a proposal in any non-terminal state, together with
// its project when one is running.
func (s *Store) CancelProposal(ctx context.Context, id int64) (bool, error) {
	var applied bool
	err := s.db.inTx(ctx, func(q querier) error {
		n, err := q.exec(ctx, fmt.Sprintf(`
			UPDATE proposals SET status = 'cancelled', updated_at = $2
			WHERE id = $1 AND status IN (%s)
		`, inList([]workflow.ProposalStatus{
			workflow.ProposalDraft, workflow.ProposalSubmitted, workflow.ProposalClientReview,
			workflow.ProposalRejected, workflow.ProposalActive,
		})), id, time.Now().UTC())
		if err != nil || n == 0 {
			return err
		}
		if _, err := q.exec(ctx, `UPDATE projects SET status = 'cancelled' WHERE id = $1 AND status = 'active'`, id); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) CompleteProposal(ctx context.Context, id int64) (*workflow.Invoice, bool, error) {
	var invoice *workflow.Invoice
	err := s.db.inTx(ctx, func(q querier) error {
		now := time.Now().UTC()
		n, err := q.exec(ctx, `
			UPDATE proposals SET status = 'completed', updated_at = $2
			WHERE id = $1 AND status = 'active'
		`, id, now)
		if err != nil || n == 0 {
			return err
		}

		// Locks the project row against concurrent task creation.
		if _, err := q.exec(ctx, `UPDATE projects SET status = 'completed' WHERE id = $1 AND status = 'active'`, id); err != nil {
			return err
		}

		var open int
		if err := q.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE project_id = $1 AND status <> 'done'`, id).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return workflow.ErrIncompleteWork
		}

		inv := workflow.Invoice{ProjectID: id, Status: workflow.InvoicePending, CreatedAt: now}
		if err := q.queryRow(ctx, `SELECT budget - spent FROM projects WHERE id = $1`, id).Scan(&inv.Amount); err != nil {
			return notFoundOr(err)
		}
		if _, err := q.exec(ctx, `
			INSERT INTO invoices (project_id, amount, status, created_at)
			VALUES ($1, $2, 'pending', $3)
		`, id, inv.Amount, now); err != nil {
			return err
		}
		invoice = &inv
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return invoice, invoice != nil, nil
}
