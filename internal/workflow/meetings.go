package workflow

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"kyri56xcaesar/pms-portal/internal/utils"
)

// Meetings books meetings against a project. Participants are validated
// against the project team only; overlapping slots are not detected.
type Meetings struct {
	deps      Deps
	hierarchy *Hierarchy
}

const DefaultMeetingType = "online"

// Team returns the developers of a project: those explicitly assigned and
// those holding or nominated for any of its tasks.
func (m *Meetings) Team(ctx context.Context, actor Actor, projectID int64) ([]int64, error) {
	if _, err := m.hierarchy.Project(ctx, actor, projectID); err != nil {
		return nil, err
	}
	team, err := m.deps.Store.ProjectTeam(ctx, projectID)
	if err != nil {
		return nil, infra("project team", err)
	}
	return team, nil
}

func (m *Meetings) Schedule(ctx context.Context, actor Actor, req MeetingRequest) (*Meeting, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	if req.Subject == "" {
		return nil, invalid("subject is required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, invalid("date is required")
	}
	if strings.TrimSpace(req.MeetingType) == "" {
		req.MeetingType = DefaultMeetingType
	}

	project, err := m.hierarchy.project(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.Status != ProjectActive {
		return nil, ErrProjectInactive
	}
	team, err := m.deps.Store.ProjectTeam(ctx, req.ProjectID)
	if err != nil {
		return nil, infra("project team", err)
	}
	inTeam := func(id int64) bool { return utils.Contains(team, id) }

	switch {
	case actor.Role == RoleAdmin:
	case actor.Role == RolePM && project.PMID == actor.ID:
	case actor.Role == RoleDeveloper && inTeam(actor.ID):
	default:
		return nil, forbidden("schedule meetings for this project", actor.Role)
	}

	outsiders := utils.Filter(req.DeveloperIDs, func(id int64) bool { return !inTeam(id) })
	if len(outsiders) > 0 {
		return nil, invalid("developers %v are not part of the project team", outsiders)
	}

	participants := utils.Uniq(append(append([]int64{}, req.DeveloperIDs...), project.PMID))
	if req.IncludeClient {
		participants = utils.Uniq(append(participants, project.ClientID))
	}

	meeting := &Meeting{
		ProjectID:      req.ProjectID,
		CreatorID:      actor.ID,
		Subject:        req.Subject,
		ScheduledAt:    req.ScheduledAt.UTC(),
		MeetingType:    req.MeetingType,
		IncludeClient:  req.IncludeClient,
		ParticipantIDs: participants,
	}
	if err := m.deps.Store.CreateMeeting(ctx, meeting); err != nil {
		return nil, infra("create meeting", err)
	}
	m.deps.Log.WithFields(logrus.Fields{
		"op": "schedule_meeting", "project": req.ProjectID, "meeting": meeting.ID, "participants": len(participants),
	}).Info("meeting scheduled")
	m.deps.publish(ctx, "pms.meeting.scheduled", meeting)
	return meeting, nil
}

func (m *Meetings) List(ctx context.Context, actor Actor, projectID int64) ([]Meeting, error) {
	if _, err := m.hierarchy.Project(ctx, actor, projectID); err != nil {
		return nil, err
	}
	items, err := m.deps.Store.ListMeetings(ctx, projectID)
	if err != nil {
		return nil, infra("list meetings", err)
	}
	return items, nil
}
