package store

import (
	"context"
	"time"

	"kyri56xcaesar/pms-portal/internal/workflow"
)

func (s *Store) CreateMeeting(ctx context.Context, m *workflow.Meeting) error {
	return s.db.inTx(ctx, func(q querier) error {
		now := time.Now().UTC()
		err := q.queryRow(ctx, `
			INSERT INTO meetings (project_id, creator_id, subject, scheduled_at, meeting_type, include_client, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, m.ProjectID, m.CreatorID, m.Subject, m.ScheduledAt.UTC(), m.MeetingType, m.IncludeClient, now).Scan(&m.ID)
		if err != nil {
			return err
		}
		for _, uid := range m.ParticipantIDs {
			if _, err := q.exec(ctx, `
				INSERT INTO meeting_participants (meeting_id, user_id) VALUES ($1, $2)
				ON CONFLICT (meeting_id, user_id) DO NOTHING
			`, m.ID, uid); err != nil {
				return err
			}
		}
		m.CreatedAt = now
		return nil
	})
}

func (s *Store) ListMeetings(ctx context.Context, projectID int64) ([]workflow.Meeting, error) {
	rows, err := s.db.query(ctx, `
		SELECT id, project_id, creator_id, subject, scheduled_at, meeting_type, include_client, created_at
		FROM meetings WHERE project_id = $1
		ORDER BY scheduled_at, id
	`, projectID)
	if err != nil {
		return nil, err
	}

	out := make([]workflow.Meeting, 0)
	idx := make(map[int64]int)
	for rows.Next() {
		var (
			m                  workflow.Meeting
			scheduled, created nullTime
		)
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.CreatorID, &m.Subject, &scheduled, &m.MeetingType, &m.IncludeClient, &created); err != nil {
			rows.Close()
			return nil, err
		}
		m.ScheduledAt = scheduled.Time
		m.CreatedAt = created.Time
		m.ParticipantIDs = []int64{}
		idx[m.ID] = len(out)
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	// second pass once the first cursor is closed; SQLite runs on one connection
	rows, err = s.db.query(ctx, `
		SELECT mp.meeting_id, mp.user_id
		FROM meeting_participants mp
		JOIN meetings m ON m.id = mp.meeting_id
		WHERE m.project_id = $1
		ORDER BY mp.meeting_id, mp.user_id
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var meetingID, userID int64
		if err := rows.Scan(&meetingID, &userID); err != nil {
			return nil, err
		}
		if i, ok := idx[meetingID]; ok {
			out[i].ParticipantIDs = append(out[i].ParticipantIDs, userID)
		}
	}
	return out, rows.Err()
}
