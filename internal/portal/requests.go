package portal

import (
	"time"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required,max=128"`
	Password string `json:"password" form:"password" binding:"required,max=256"`
}

type provisionRequest struct {
	Username  string `json:"username" binding:"required,min=3,max=64"`
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8,max=256"`
	FirstName string `json:"firstName" binding:"max=64"`
	LastName  string `json:"lastName" binding:"max=64"`
	Role      string `json:"role" binding:"required,oneof=admin sales pm developer client"`
}

type createProposalRequest struct {
	ClientID         int64      `json:"clientId" binding:"omitempty,gt=0"`
	Title            string     `json:"title" binding:"max=200"`
	Description      string     `json:"description" binding:"max=5000"`
	Value            float64    `json:"value" binding:"gte=0"`
	ExpectedClose    *time.Time `json:"expectedClose"`
	FunctionalReq    string     `json:"functionalReq" binding:"max=10000"`
	NonFunctionalReq string     `json:"nonFunctionalReq" binding:"max=10000"`
	Submit           bool       `json:"submit"`
}

type reworkRequest struct {
	Title            *string    `json:"title" binding:"omitempty,max=200"`
	Description      *string    `json:"description" binding:"omitempty,max=5000"`
	Value            *float64   `json:"value" binding:"omitempty,gte=0"`
	ExpectedClose    *time.Time `json:"expectedClose"`
	FunctionalReq    *string    `json:"functionalReq" binding:"omitempty,max=10000"`
	NonFunctionalReq *string    `json:"nonFunctionalReq" binding:"omitempty,max=10000"`
}

func (r reworkRequest) fields() workflow.ProposalFields {
	return workflow.ProposalFields{
		Title:            r.Title,
		Description:      r.Description,
		Value:            r.Value,
		ExpectedClose:    r.ExpectedClose,
		FunctionalReq:    r.FunctionalReq,
		NonFunctionalReq: r.NonFunctionalReq,
	}
}

type assignPMRequest struct {
	PMID int64 `json:"pmId" binding:"required,gt=0"`
}

type noteRequest struct {
	Comment *string `json:"comment" binding:"omitempty,max=2000"`
}

type rejectRequest struct {
	Reason string `json:"reason" binding:"required,max=2000"`
}

type commentRequest struct {
	Text string `json:"text" binding:"required,max=2000"`
}

type taskRequest struct {
	Title       string     `json:"title" binding:"required,max=200"`
	Description string     `json:"description" binding:"max=5000"`
	DueDate     *time.Time `json:"dueDate"`
	Priority    string     `json:"priority" binding:"omitempty,oneof=Low Medium High"`
}

func (r taskRequest) newTask() workflow.NewTask {
	return workflow.NewTask{
		Title:       r.Title,
		Description: r.Description,
		DueDate:     r.DueDate,
		Priority:    workflow.Priority(r.Priority),
	}
}

type assignDeveloperRequest struct {
	DeveloperID int64 `json:"developerId" binding:"required,gt=0"`
}

type statusRequest struct {
	Status string `json:"status" binding:"required,oneof=todo in_progress done"`
}

type meetingRequest struct {
	Subject       string    `json:"subject" binding:"required,max=200"`
	Date          time.Time `json:"date"`
	MeetingType   string    `json:"meetingType" binding:"omitempty,oneof=online onsite phone"`
	DeveloperIDs  []int64   `json:"developerIds" binding:"omitempty,dive,gt=0"`
	IncludeClient bool      `json:"includeClient"`
}
