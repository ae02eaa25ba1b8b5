package workflow

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
)

// Store is the transactional persistence the engines run on. Methods that
// guard a transition report applied=false when the guard did not match; the
// caller re-reads to find out why. Missing rows are reported as ErrNotFound.
type Store interface {
	UpsertUser(ctx context.Context, u User) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)

	CreateProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id int64) (*Proposal, error)
	ListProposals(ctx context.Context, f ProposalFilter) ([]Proposal, error)
	TransitionProposal(ctx context.Context, id int64, from []ProposalStatus, to ProposalStatus, ch ProposalChange) (bool, error)
	AppendComment(ctx context.Context, id int64, field CommentField, text string) error
	// AssignPM sets pm_id when the proposal is reviewable and the PM's load,
	// not counting this proposal, is below maxLoad. Serialized per PM.
	AssignPM(ctx context.Context, proposalID, pmID int64, maxLoad int) (bool, error)
	PMLoad(ctx context.Context, pmID int64) (int, error)
	// ApproveProposal activates a reviewable proposal with a PM and creates
	// its project in the same transaction.
	ApproveProposal(ctx context.Context, id int64, comment *string) (*Project, bool, error)
	CancelProposal(ctx context.Context, id int64) (bool, error)
	// CompleteProposal completes an active proposal and its project and
	// writes the pending invoice row. Returns ErrIncompleteWork when any task
	// of the project is not done.
	CompleteProposal(ctx context.Context, id int64) (*Invoice, bool, error)

	GetProject(ctx context.Context, id int64) (*Project, error)
	ListProjects(ctx context.Context, f ProjectFilter) ([]Project, error)
	ProgressCounts(ctx context.Context, projectID int64) (done, total int, err error)

	// CreateTask inserts a milestone or subtask while the project is active
	// and rolls the parent milestone up. Returns ErrProjectInactive otherwise.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, projectID int64) ([]Task, error)
	AssignDeveloper(ctx context.Context, projectID, developerID int64) (int64, error)
	LockTask(ctx context.Context, taskID, developerID int64) (bool, error)
	// SetTaskStatus changes the status of a leaf task held by developerID,
	// releasing the lock on done and rolling the parent up.
	SetTaskStatus(ctx context.Context, taskID, developerID int64, status TaskStatus) (bool, error)
	UnlockTask(ctx context.Context, taskID int64) (bool, error)
	HasSubtasks(ctx context.Context, taskID int64) (bool, error)
	ProjectTeam(ctx context.Context, projectID int64) ([]int64, error)

	CreateMeeting(ctx context.Context, m *Meeting) error
	ListMeetings(ctx context.Context, projectID int64) ([]Meeting, error)

	PendingInvoices(ctx context.Context) ([]Invoice, error)
	RecordInvoice(ctx context.Context, projectID int64, invoiceID string) error
}

// ProposalChange holds the optional column updates applied with a transition.
type ProposalChange struct {
	Fields        ProposalFields
	AdminComments *string
	ClearPM       bool
}

type CommentField string

const (
	ClientComments CommentField = "client_comments"
	AdminComments  CommentField = "admin_comments"
)

// Billing is the external invoicing collaborator.
type Billing interface {
	GenerateInvoice(ctx context.Context, projectID int64, amount float64) (string, error)
}

// Publisher receives domain events after a transition has been committed.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

type Deps struct {
	Store   Store
	Billing Billing
	Events  Publisher
	Log     logrus.FieldLogger
}

// Service bundles the four engines over shared dependencies.
type Service struct {
	Proposals *Proposals
	Hierarchy *Hierarchy
	Locks     *Locks
	Meetings  *Meetings
}

func New(d Deps) *Service {
	if d.Log == nil {
		d.Log = logrus.StandardLogger()
	}
	if d.Events == nil {
		d.Events = nopPublisher{}
	}
	if d.Billing == nil {
		d.Billing = noBilling{}
	}
	h := &Hierarchy{deps: d}
	return &Service{
		Proposals: &Proposals{deps: d},
		Hierarchy: h,
		Locks:     &Locks{deps: d},
		Meetings:  &Meetings{deps: d, hierarchy: h},
	}
}

type noBilling struct{}

func (noBilling) GenerateInvoice(context.Context, int64, float64) (string, error) {
	return "", errors.New("billing is not configured")
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, any) error { return nil }

func (d Deps) publish(ctx context.Context, subject string, payload any) {
	if err := d.Events.Publish(ctx, subject, payload); err != nil {
		d.Log.WithError(err).WithField("subject", subject).Warn("failed to publish event")
	}
}
