package workflow

import "time"

// Role is the portal role of a user as resolved by the identity directory.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSales     Role = "sales"
	RolePM        Role = "pm"
	RoleDeveloper Role = "developer"
	RoleClient    Role = "client"
)

// Roles in precedence order, highest first.
var Roles = []Role{RoleAdmin, RolePM, RoleSales, RoleDeveloper, RoleClient}

func ValidRole(r string) bool {
	for _, role := range Roles {
		if string(role) == r {
			return true
		}
	}
	return false
}

// Actor is the caller of an engine operation. It is always passed explicitly.
type Actor struct {
	ID   int64  `json:"id"`
	Role Role   `json:"role"`
	Name string `json:"name"`
}

func (a Actor) Is(roles ...Role) bool {
	for _, r := range roles {
		if a.Role == r {
			return true
		}
	}
	return false
}

type User struct {
	ID       int64     `json:"id"`
	Subject  string    `json:"subject,omitempty"`
	Username string    `json:"username"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	Role     Role      `json:"role"`
	Created  time.Time `json:"created_at"`
}

type ProposalStatus string

const (
	ProposalDraft        ProposalStatus = "draft"
	ProposalSubmitted    ProposalStatus = "submitted"
	ProposalClientReview ProposalStatus = "client_review"
	ProposalActive       ProposalStatus = "active"
	ProposalCompleted    ProposalStatus = "completed"
	ProposalRejected     ProposalStatus = "rejected"
	ProposalCancelled    ProposalStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	return s == ProposalCompleted || s == ProposalCancelled
}

// PM assignment and approval are only allowed from these states.
var reviewable = []ProposalStatus{ProposalSubmitted, ProposalClientReview}

// LoadStatuses are the proposal states that count toward a PM's load.
var LoadStatuses = []ProposalStatus{ProposalSubmitted, ProposalClientReview, ProposalActive}

// MaxPMLoad is the number of simultaneously owned projects a PM may carry.
const MaxPMLoad = 5

type Proposal struct {
	ID               int64          `json:"id"`
	ClientID         int64          `json:"clientId"`
	CreatedBy        int64          `json:"createdBy"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	Value            float64        `json:"value"`
	ExpectedClose    *time.Time     `json:"expectedClose,omitempty"`
	FunctionalReq    string         `json:"functionalReq"`
	NonFunctionalReq string         `json:"nonFunctionalReq"`
	ClientComments   string         `json:"clientComments"`
	AdminComments    string         `json:"adminComments"`
	Status           ProposalStatus `json:"status"`
	PMID             *int64         `json:"pmId,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ProposalFields are the client-editable fields of a proposal.
type ProposalFields struct {
	Title            *string
	Description      *string
	Value            *float64
	ExpectedClose    *time.Time
	FunctionalReq    *string
	NonFunctionalReq *string
}

type ProposalFilter struct {
	ClientID int64
	PMID     int64
	Status   ProposalStatus
	Limit    int
}

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

type Project struct {
	ID        int64         `json:"id"`
	ClientID  int64         `json:"clientId"`
	PMID      int64         `json:"pmId"`
	Title     string        `json:"title"`
	Budget    float64       `json:"budget"`
	Spent     float64       `json:"spent"`
	Deadline  *time.Time    `json:"deadline,omitempty"`
	Status    ProjectStatus `json:"status"`
	Progress  int           `json:"progress"`
	CreatedAt time.Time     `json:"created_at"`
}

type ProjectFilter struct {
	PMID     int64
	ClientID int64
	Status   ProjectStatus
	Limit    int

	// DeveloperID keeps the projects whose team includes the developer.
	DeveloperID int64
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskTodo, TaskInProgress, TaskDone:
		return true
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func ValidPriority(p string) bool {
	switch Priority(p) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Task struct {
	ID          int64      `json:"id"`
	ParentID    *int64     `json:"parentId,omitempty"`
	ProjectID   int64      `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	LockedBy    *int64     `json:"lockedBy,omitempty"`
	Assignee    *int64     `json:"assignee,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t *Task) IsMilestone() bool { return t.ParentID == nil }

// NewTask is the input for creating a milestone or subtask.
type NewTask struct {
	Title       string
	Description string
	DueDate     *time.Time
	Priority    Priority
}

// Milestone is a root task with its subtasks, as returned by Tree.
type Milestone struct {
	Task
	Subtasks []Task `json:"subtasks"`
}

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoiceIssued  InvoiceStatus = "issued"
)

type Invoice struct {
	ProjectID int64         `json:"projectId"`
	InvoiceID string        `json:"invoiceId,omitempty"`
	Amount    float64       `json:"amount"`
	Status    InvoiceStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

type Meeting struct {
	ID             int64     `json:"id"`
	ProjectID      int64     `json:"projectId"`
	CreatorID      int64     `json:"creatorId"`
	Subject        string    `json:"subject"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	MeetingType    string    `json:"meetingType"`
	IncludeClient  bool      `json:"includeClient"`
	ParticipantIDs []int64   `json:"participantIds"`
	CreatedAt      time.Time `json:"created_at"`
}

type MeetingRequest struct {
	ProjectID     int64
	Subject       string
	ScheduledAt   time.Time
	MeetingType   string
	DeveloperIDs  []int64
	IncludeClient bool
}
