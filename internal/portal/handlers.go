package portal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/authmw"
	"kyri56xcaesar/pms-portal/internal/utils"
	"kyri56xcaesar/pms-portal/internal/workflow"
)

type api struct {
	svc  *workflow.Service
	auth Authenticator
	log  logrus.FieldLogger
}

// respondErr maps an engine error to its HTTP status. Infrastructure causes
// are logged and never reach the client.
func (a *api) respondErr(c *gin.Context, err error) {
	var we *workflow.Error
	if !errors.As(err, &we) || we.Kind == workflow.KindInfrastructure {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request timed out"})
			return
		}
		a.log.WithError(err).WithFields(logrus.Fields{
			"route":  c.FullPath(),
			"method": c.Request.Method,
		}).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch we.Kind {
	case workflow.KindValidation:
		status = http.StatusBadRequest
	case workflow.KindNotFound:
		status = http.StatusNotFound
	case workflow.KindForbidden:
		status = http.StatusForbidden
	case workflow.KindBusinessRule:
		status = http.StatusConflict
		if errors.Is(err, workflow.ErrInvalidParent) {
			status = http.StatusBadRequest
		}
	}

	body := gin.H{"error": we.Error(), "code": we.Code}
	if we.Holder != "" {
		body["holder"] = we.Holder
	}
	c.JSON(status, body)
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing/invalid id"})
		return 0, false
	}
	return id, true
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBind(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "details": err.Error()})
		return false
	}
	return true
}

// bindOptional accepts an empty body, declared or chunked.
func bindOptional(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 || c.Request.Body == nil || c.Request.Body == http.NoBody {
		return true
	}
	err := c.ShouldBind(req)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input", "details": err.Error()})
	return false
}

func actor(c *gin.Context) workflow.Actor {
	a, _ := authmw.ActorFrom(c)
	return a
}

func limitQuery(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

func (a *api) login(c *gin.Context) {
	var req loginRequest
	if !bind(c, &req) {
		return
	}

	id, err := a.auth.VerifyCredentials(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, authmw.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "identity": id})
}

func (a *api) me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "actor": actor(c)})
}

func (a *api) provisionUser(c *gin.Context) {
	var req provisionRequest
	if !bind(c, &req) {
		return
	}

	user, err := a.auth.Provision(c.Request.Context(), authmw.NewAccount{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      workflow.Role(req.Role),
	})
	if errors.Is(err, authmw.ErrAccountExists) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "account_exists"})
		return
	}
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "user": user})
}

/* proposals */

func (a *api) createProposal(c *gin.Context) {
	var req createProposalRequest
	if !bind(c, &req) {
		return
	}

	prop, err := a.svc.Proposals.Create(c.Request.Context(), actor(c), workflow.NewProposal{
		ClientID:         req.ClientID,
		Title:            req.Title,
		Description:      req.Description,
		Value:            req.Value,
		ExpectedClose:    req.ExpectedClose,
		FunctionalReq:    req.FunctionalReq,
		NonFunctionalReq: req.NonFunctionalReq,
		Submit:           req.Submit,
	})
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "proposal": prop})
}

func (a *api) listProposals(c *gin.Context) {
	f := workflow.ProposalFilter{
		Status: workflow.ProposalStatus(c.Query("status")),
		Limit:  limitQuery(c),
	}
	if v := c.Query("clientId"); v != "" {
		f.ClientID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("pmId"); v != "" {
		f.PMID, _ = strconv.ParseInt(v, 10, 64)
	}

	items, err := a.svc.Proposals.List(c.Request.Context(), actor(c), f)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposals": items})
}

func (a *api) getProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	prop, err := a.svc.Proposals.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

// proposalAction runs a transition that takes no body.
func (a *api) proposalAction(c *gin.Context, op func(context.Context, workflow.Actor, int64) (*workflow.Proposal, error)) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	prop, err := op(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

func (a *api) submitProposal(c *gin.Context) {
	a.proposalAction(c, a.svc.Proposals.Submit)
}

func (a *api) cancelProposal(c *gin.Context) {
	a.proposalAction(c, a.svc.Proposals.Cancel)
}

func (a *api) assignPM(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req assignPMRequest
	if !bind(c, &req) {
		return
	}

	prop, err := a.svc.Proposals.AssignPM(c.Request.Context(), actor(c), id, req.PMID)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

func (a *api) requestReview(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}
	comment := ""
	if req.Comment != nil {
		comment = *req.Comment
	}

	prop, err := a.svc.Proposals.RequestClientReview(c.Request.Context(), actor(c), id, comment)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

func (a *api) approveProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}

	project, err := a.svc.Proposals.Approve(c.Request.Context(), actor(c), id, req.Comment)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "project": project})
}

func (a *api) rejectProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req rejectRequest
	if !bind(c, &req) {
		return
	}

	prop, err := a.svc.Proposals.Reject(c.Request.Context(), actor(c), id, req.Reason)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

func (a *api) reworkProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req reworkRequest
	if !bind(c, &req) {
		return
	}

	prop, err := a.svc.Proposals.Rework(c.Request.Context(), actor(c), id, req.fields())
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "proposal": prop})
}

func (a *api) completeProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	inv, err := a.svc.Proposals.Complete(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "invoice": inv})
}

func (a *api) commentProposal(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req commentRequest
	if !bind(c, &req) {
		return
	}

	prop, err := a.svc.Proposals.Comment(c.Request.Context(), actor(c), id, req.Text)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "proposal": prop})
}

func (a *api) retryInvoices(c *gin.Context) {
	issued, err := a.svc.Proposals.RetryInvoices(c.Request.Context(), actor(c))
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "invoices": issued})
}

/* pm capacity */

func (a *api) pmLoad(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	load, err := a.svc.Proposals.Load(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"pmId":     id,
		"load":     load,
		"capacity": workflow.MaxPMLoad,
		"atLimit":  load >= workflow.MaxPMLoad,
	})
}

// pmLoads answers ?ids=1,2,3 for the assignment picker.
func (a *api) pmLoads(c *gin.Context) {
	ids, err := utils.SplitToInt64(c.Query("ids"), ",")
	if err != nil || len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing/invalid ids"})
		return
	}
	ids = utils.Uniq(ids)
	if len(ids) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many ids"})
		return
	}

	loads := make(map[string]int, len(ids))
	for _, id := range ids {
		load, err := a.svc.Proposals.Load(c.Request.Context(), actor(c), id)
		if err != nil {
			a.respondErr(c, err)
			return
		}
		loads[strconv.FormatInt(id, 10)] = load
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "loads": loads, "capacity": workflow.MaxPMLoad})
}

/* projects and tasks */

func (a *api) listProjects(c *gin.Context) {
	f := workflow.ProjectFilter{
		Status: workflow.ProjectStatus(c.Query("status")),
		Limit:  limitQuery(c),
	}
	if v := c.Query("pmId"); v != "" {
		f.PMID, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := c.Query("clientId"); v != "" {
		f.ClientID, _ = strconv.ParseInt(v, 10, 64)
	}

	items, err := a.svc.Hierarchy.Projects(c.Request.Context(), actor(c), f)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "projects": items})
}

func (a *api) getProject(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	project, err := a.svc.Hierarchy.Project(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "project": project})
}

func (a *api) projectTree(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	tree, err := a.svc.Hierarchy.Tree(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "milestones": tree})
}

func (a *api) createMilestone(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req taskRequest
	if !bind(c, &req) {
		return
	}

	task, err := a.svc.Hierarchy.CreateMilestone(c.Request.Context(), actor(c), id, req.newTask())
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "task": task})
}

func (a *api) createSubtask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req taskRequest
	if !bind(c, &req) {
		return
	}

	task, err := a.svc.Hierarchy.CreateSubtask(c.Request.Context(), actor(c), id, req.newTask())
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "task": task})
}

func (a *api) assignDeveloper(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req assignDeveloperRequest
	if !bind(c, &req) {
		return
	}

	n, err := a.svc.Hierarchy.AssignDeveloper(c.Request.Context(), actor(c), id, req.DeveloperID)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "tasksAssigned": n})
}

func (a *api) projectTeam(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	team, err := a.svc.Meetings.Team(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "team": team})
}

func (a *api) lockTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	res, err := a.svc.Locks.Lock(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "message": res.Message, "task": res.Task})
}

func (a *api) setTaskStatus(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req statusRequest
	if !bind(c, &req) {
		return
	}

	task, err := a.svc.Locks.SetStatus(c.Request.Context(), actor(c), id, workflow.TaskStatus(req.Status))
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

func (a *api) unlockTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	task, err := a.svc.Locks.ForceUnlock(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "task": task})
}

/* meetings */

func (a *api) scheduleMeeting(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req meetingRequest
	if !bind(c, &req) {
		return
	}

	m, err := a.svc.Meetings.Schedule(c.Request.Context(), actor(c), workflow.MeetingRequest{
		ProjectID:     id,
		Subject:       req.Subject,
		ScheduledAt:   req.Date,
		MeetingType:   req.MeetingType,
		DeveloperIDs:  req.DeveloperIDs,
		IncludeClient: req.IncludeClient,
	})
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "meeting": m})
}

func (a *api) listMeetings(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	items, err := a.svc.Meetings.List(c.Request.Context(), actor(c), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "meetings": items})
}
