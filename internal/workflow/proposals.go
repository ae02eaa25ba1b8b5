package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/metrics"
)

// Proposals is the proposal lifecycle engine.
type Proposals struct {
	deps Deps
}

type NewProposal struct {
	ClientID         int64
	Title            string
	Description      string
	Value            float64
	ExpectedClose    *time.Time
	FunctionalReq    string
	NonFunctionalReq string
	// Submit creates the proposal directly in the submitted state.
	Submit bool
}

// ProposalEvent is published on every lifecycle transition.
type ProposalEvent struct {
	ProposalID int64          `json:"proposalId"`
	Status     ProposalStatus `json:"status"`
	ActorID    int64          `json:"actorId"`
	PMID       *int64         `json:"pmId,omitempty"`
	At         time.Time      `json:"at"`
}

func (p *Proposals) log(op string, actor Actor, id int64) *logrus.Entry {
	return p.deps.Log.WithFields(logrus.Fields{
		"op":       op,
		"actor":    actor.ID,
		"role":     actor.Role,
		"proposal": id,
	})
}

func (p *Proposals) transitioned(ctx context.Context, actor Actor, prop *Proposal, to ProposalStatus) {
	metrics.ProposalTransitions.WithLabelValues(string(to)).Inc()
	p.log("transition", actor, prop.ID).WithField("to", to).Info("proposal transitioned")
	p.deps.publish(ctx, "pms.proposal."+string(to), ProposalEvent{
		ProposalID: prop.ID,
		Status:     to,
		ActorID:    actor.ID,
		PMID:       prop.PMID,
		At:         time.Now().UTC(),
	})
}

func validateSubmission(title string, value float64) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title is required")
	}
	if value <= 0 {
		return invalid("value must be greater than zero")
	}
	return nil
}

func (p *Proposals) Create(ctx context.Context, actor Actor, in NewProposal) (*Proposal, error) {
	switch actor.Role {
	case RoleClient:
		in.ClientID = actor.ID
	case RoleSales, RoleAdmin:
		if in.ClientID <= 0 {
			return nil, invalid("clientId is required")
		}
		client, err := p.deps.Store.GetUser(ctx, in.ClientID)
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("client", in.ClientID)
		}
		if err != nil {
			return nil, infra("get client", err)
		}
		if client.Role != RoleClient {
			return nil, invalid("user %d is not a client", in.ClientID)
		}
	default:
		return nil, forbidden("create proposals", actor.Role)
	}

	if in.Value < 0 {
		return nil, invalid("value must not be negative")
	}
	status := ProposalDraft
	if in.Submit {
		if err := validateSubmission(in.Title, in.Value); err != nil {
			return nil, err
		}
		status = ProposalSubmitted
	}

	prop := &Proposal{
		ClientID:         in.ClientID,
		CreatedBy:        actor.ID,
		Title:            strings.TrimSpace(in.Title),
		Description:      in.Description,
		Value:            in.Value,
		ExpectedClose:    in.ExpectedClose,
		FunctionalReq:    in.FunctionalReq,
		NonFunctionalReq: in.NonFunctionalReq,
		Status:           status,
	}
	if err := p.deps.Store.CreateProposal(ctx, prop); err != nil {
		return nil, infra("create proposal", err)
	}
	p.transitioned(ctx, actor, prop, status)
	return prop, nil
}

// load fetches a proposal and checks the actor may see it.
func (p *Proposals) load(ctx context.Context, actor Actor, id int64) (*Proposal, error) {
	prop, err := p.deps.Store.GetProposal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, notFound("proposal", id)
	}
	if err != nil {
		return nil, infra("get proposal", err)
	}
	switch actor.Role {
	case RoleAdmin, RoleSales:
		return prop, nil
	case RoleClient:
		if prop.ClientID == actor.ID {
			return prop, nil
		}
	case RolePM:
		if prop.PMID != nil && *prop.PMID == actor.ID {
			return prop, nil
		}
	}
	return nil, forbidden("view this proposal", actor.Role)
}

// classify explains why a guarded transition did not apply.
func (p *Proposals) classify(ctx context.Context, id int64, op string) error {
	prop, err := p.deps.Store.GetProposal(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return notFound("proposal", id)
	}
	if err != nil {
		return infra("get proposal", err)
	}
	return transition(prop.Status, op)
}

func (p *Proposals) Get(ctx context.Context, actor Actor, id int64) (*Proposal, error) {
	return p.load(ctx, actor, id)
}

func (p *Proposals) List(ctx context.Context, actor Actor, f ProposalFilter) ([]Proposal, error) {
	switch actor.Role {
	case RoleAdmin, RoleSales:
	case RoleClient:
		f.ClientID = actor.ID
	case RolePM:
		f.PMID = actor.ID
	default:
		return nil, forbidden("list proposals", actor.Role)
	}
	items, err := p.deps.Store.ListProposals(ctx, f)
	if err != nil {
		return nil, infra("list proposals", err)
	}
	return items, nil
}

func (p *Proposals) Submit(ctx context.Context, actor Actor, id int64) (*Proposal, error) {
	if !actor.Is(RoleClient, RoleSales, RoleAdmin) {
		return nil, forbidden("submit proposals", actor.Role)
	}
	prop, err := p.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if prop.Status != ProposalDraft {
		return nil, transition(prop.Status, "submit")
	}
	if err := validateSubmission(prop.Title, prop.Value); err != nil {
		return nil, err
	}
	ok, err := p.deps.Store.TransitionProposal(ctx, id, []ProposalStatus{ProposalDraft}, ProposalSubmitted, ProposalChange{})
	if err != nil {
		return nil, infra("submit proposal", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "submit")
	}
	prop.Status = ProposalSubmitted
	p.transitioned(ctx, actor, prop, ProposalSubmitted)
	return prop, nil
}

// AssignPM reserves capacity of pmID for the proposal. The status does not
// change; approval is a separate step.
func (p *Proposals) AssignPM(ctx context.Context, actor Actor, id, pmID int64) (*Proposal, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("assign project managers", actor.Role)
	}
	pm, err := p.deps.Store.GetUser(ctx, pmID)
	if errors.Is(err, ErrNotFound) || (err == nil && pm.Role != RolePM) {
		return nil, notFound("project manager", pmID)
	}
	if err != nil {
		return nil, infra("get pm", err)
	}

	ok, err := p.deps.Store.AssignPM(ctx, id, pmID, MaxPMLoad)
	if err != nil {
		return nil, infra("assign pm", err)
	}
	if !ok {
		prop, err := p.deps.Store.GetProposal(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("proposal", id)
		}
		if err != nil {
			return nil, infra("get proposal", err)
		}
		if prop.Status != ProposalSubmitted && prop.Status != ProposalClientReview {
			return nil, transition(prop.Status, "assign a project manager to")
		}
		metrics.PMAssignments.WithLabelValues("capacity_exceeded").Inc()
		p.log("assign_pm", actor, id).WithField("pm", pmID).Info("pm at capacity")
		return nil, ErrCapacityExceeded
	}

	metrics.PMAssignments.WithLabelValues("assigned").Inc()
	prop, err := p.deps.Store.GetProposal(ctx, id)
	if err != nil {
		return nil, infra("get proposal", err)
	}
	p.log("assign_pm", actor, id).WithField("pm", pmID).Info("pm assigned")
	p.deps.publish(ctx, "pms.proposal.pm_assigned", ProposalEvent{
		ProposalID: id, Status: prop.Status, ActorID: actor.ID, PMID: prop.PMID, At: time.Now().UTC(),
	})
	return prop, nil
}

// Load returns the number of projects a PM currently carries, counting
// pending assignments.
func (p *Proposals) Load(ctx context.Context, actor Actor, pmID int64) (int, error) {
	if !actor.Is(RoleAdmin, RoleSales) && !(actor.Role == RolePM && actor.ID == pmID) {
		return 0, forbidden("read project manager load", actor.Role)
	}
	n, err := p.deps.Store.PMLoad(ctx, pmID)
	if err != nil {
		return 0, infra("pm load", err)
	}
	return n, nil
}

func (p *Proposals) RequestClientReview(ctx context.Context, actor Actor, id int64, comment string) (*Proposal, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("request client review", actor.Role)
	}
	var ch ProposalChange
	if c := strings.TrimSpace(comment); c != "" {
		ch.AdminComments = &c
	}
	ok, err := p.deps.Store.TransitionProposal(ctx, id, []ProposalStatus{ProposalSubmitted}, ProposalClientReview, ch)
	if err != nil {
		return nil, infra("request review", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "send to client review")
	}
	return p.reload(ctx, actor, id, ProposalClientReview)
}

// Approve activates the proposal and materializes its project.
func (p *Proposals) Approve(ctx context.Context, actor Actor, id int64, comment *string) (*Project, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("approve proposals", actor.Role)
	}
	if comment != nil {
		c := strings.TrimSpace(*comment)
		if c == "" {
			comment = nil
		} else {
			comment = &c
		}
	}
	project, ok, err := p.deps.Store.ApproveProposal(ctx, id, comment)
	if err != nil {
		return nil, infra("approve proposal", err)
	}
	if !ok {
		prop, err := p.deps.Store.GetProposal(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("proposal", id)
		}
		if err != nil {
			return nil, infra("get proposal", err)
		}
		if prop.Status != ProposalSubmitted && prop.Status != ProposalClientReview {
			return nil, transition(prop.Status, "approve")
		}
		return nil, ErrPmNotAssigned
	}
	pm := project.PMID
	p.transitioned(ctx, actor, &Proposal{ID: id, PMID: &pm}, ProposalActive)
	return project, nil
}

func (p *Proposals) Reject(ctx context.Context, actor Actor, id int64, reason string) (*Proposal, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("reject proposals", actor.Role)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("a rejection reason is required")
	}
	ok, err := p.deps.Store.TransitionProposal(ctx, id, reviewable, ProposalRejected, ProposalChange{
		AdminComments: &reason,
		ClearPM:       true,
	})
	if err != nil {
		return nil, infra("reject proposal", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "reject")
	}
	return p.reload(ctx, actor, id, ProposalRejected)
}

// Rework edits a rejected proposal and resubmits it.
func (p *Proposals) Rework(ctx context.Context, actor Actor, id int64, fields ProposalFields) (*Proposal, error) {
	if !actor.Is(RoleClient, RoleSales, RoleAdmin) {
		return nil, forbidden("rework proposals", actor.Role)
	}
	prop, err := p.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if prop.Status != ProposalRejected {
		return nil, transition(prop.Status, "rework")
	}

	title, value := prop.Title, prop.Value
	if fields.Title != nil {
		t := strings.TrimSpace(*fields.Title)
		fields.Title = &t
		title = t
	}
	if fields.Value != nil {
		value = *fields.Value
	}
	if err := validateSubmission(title, value); err != nil {
		return nil, err
	}

	empty := ""
	ok, err := p.deps.Store.TransitionProposal(ctx, id, []ProposalStatus{ProposalRejected}, ProposalSubmitted, ProposalChange{
		Fields:        fields,
		AdminComments: &empty,
	})
	if err != nil {
		return nil, infra("rework proposal", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "rework")
	}
	return p.reload(ctx, actor, id, ProposalSubmitted)
}

// Cancel moves any non-terminal proposal to cancelled. An active project is
// cancelled with it and stops counting toward its PM's load.
func (p *Proposals) Cancel(ctx context.Context, actor Actor, id int64) (*Proposal, error) {
	if !actor.Is(RoleAdmin, RoleSales, RoleClient) {
		return nil, forbidden("cancel proposals", actor.Role)
	}
	if _, err := p.load(ctx, actor, id); err != nil {
		return nil, err
	}
	ok, err := p.deps.Store.CancelProposal(ctx, id)
	if err != nil {
		return nil, infra("cancel proposal", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "cancel")
	}
	return p.reload(ctx, actor, id, ProposalCancelled)
}

// Complete finishes an active proposal and its project, then asks billing for
// the invoice. A billing failure leaves the invoice pending for RetryInvoices.
func (p *Proposals) Complete(ctx context.Context, actor Actor, id int64) (*Invoice, error) {
	switch actor.Role {
	case RoleAdmin:
	case RolePM:
		project, err := p.deps.Store.GetProject(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil, p.classify(ctx, id, "complete")
		}
		if err != nil {
			return nil, infra("get project", err)
		}
		if project.PMID != actor.ID {
			return nil, forbidden("complete another manager's project", actor.Role)
		}
	default:
		return nil, forbidden("complete projects", actor.Role)
	}

	inv, ok, err := p.deps.Store.CompleteProposal(ctx, id)
	if errors.Is(err, ErrIncompleteWork) {
		return nil, ErrIncompleteWork
	}
	if err != nil {
		return nil, infra("complete proposal", err)
	}
	if !ok {
		return nil, p.classify(ctx, id, "complete")
	}
	p.transitioned(ctx, actor, &Proposal{ID: id}, ProposalCompleted)

	return p.issue(ctx, *inv), nil
}

// issue calls billing for one pending invoice and records the result.
func (p *Proposals) issue(ctx context.Context, inv Invoice) *Invoice {
	entry := p.deps.Log.WithFields(logrus.Fields{"op": "invoice", "project": inv.ProjectID})
	invoiceID, err := p.deps.Billing.GenerateInvoice(ctx, inv.ProjectID, inv.Amount)
	if err != nil {
		metrics.Invoices.WithLabelValues("failed").Inc()
		entry.WithError(err).Warn("invoice generation failed, left pending")
		return &inv
	}
	if err := p.deps.Store.RecordInvoice(ctx, inv.ProjectID, invoiceID); err != nil {
		metrics.Invoices.WithLabelValues("unrecorded").Inc()
		entry.WithError(err).WithField("invoice", invoiceID).Error("failed to record issued invoice")
		return &inv
	}
	metrics.Invoices.WithLabelValues("issued").Inc()
	entry.WithField("invoice", invoiceID).Info("invoice issued")
	inv.InvoiceID = invoiceID
	inv.Status = InvoiceIssued
	return &inv
}

// RetryInvoices re-dispatches every pending invoice. Billing deduplicates by
// project, so a retry never produces a second invoice.
func (p *Proposals) RetryInvoices(ctx context.Context, actor Actor) ([]Invoice, error) {
	if !actor.Is(RoleAdmin) {
		return nil, forbidden("retry invoices", actor.Role)
	}
	pending, err := p.deps.Store.PendingInvoices(ctx)
	if err != nil {
		return nil, infra("pending invoices", err)
	}
	out := make([]Invoice, 0, len(pending))
	for _, inv := range pending {
		out = append(out, *p.issue(ctx, inv))
	}
	return out, nil
}

// Comment appends to the client or admin comment thread of a proposal.
func (p *Proposals) Comment(ctx context.Context, actor Actor, id int64, text string) (*Proposal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("comment body is required")
	}
	var field CommentField
	switch actor.Role {
	case RoleClient, RoleSales:
		field = ClientComments
	case RoleAdmin:
		field = AdminComments
	default:
		return nil, forbidden("comment on proposals", actor.Role)
	}
	if _, err := p.load(ctx, actor, id); err != nil {
		return nil, err
	}
	if err := p.deps.Store.AppendComment(ctx, id, field, text); err != nil {
		return nil, infra("append comment", err)
	}
	return p.load(ctx, actor, id)
}

func (p *Proposals) reload(ctx context.Context, actor Actor, id int64, to ProposalStatus) (*Proposal, error) {
	prop, err := p.deps.Store.GetProposal(ctx, id)
	if err != nil {
		return nil, infra("get proposal", err)
	}
	p.transitioned(ctx, actor, prop, to)
	return prop, nil
}
