package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

const meetingColumns = `id, owner_id, group_id, time_slots, slots_end, min_duration_minutes, prefer_earlier,
allow_male, allow_female, min_age, max_age, languages, interests, peer_meeting_id, start_time, status,
last_call_time, total_duration_seconds, reminded, created_at, updated_at`

func (s *Store) GetMeeting(ctx context.Context, id int) (models.Meeting, error) {
	var meeting models.Meeting
	err := s.read(ctx, "GetMeeting", func() error {
		var err error
		meeting, err = getMeeting(ctx, s.db, id)
		return err
	})
	if err != nil {
		return models.Meeting{}, meetingErr(id, err)
	}
	return meeting, nil
}

func (s *Store) GetMeetings(ctx context.Context, ownerID int) ([]models.Meeting, error) {
	meetings := make([]models.Meeting, 0)
	query := `SELECT ` + meetingColumns + ` FROM meetings WHERE owner_id = $1 ORDER BY id`
	err := s.read(ctx, "GetMeetings", func() error {
		meetings = meetings[:0]
		return s.db.SelectContext(ctx, &meetings, query, ownerID)
	})
	if err != nil {
		return nil, fmt.Errorf("err getting meetings of user %d: %w", ownerID, err)
	}
	return meetings, nil
}

func (s *Store) CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	var created models.Meeting
	err := s.observe("CreateMeeting", func() error {
		var err error
		created, err = createMeeting(ctx, s.db, meeting)
		return err
	})
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err creating meeting: %w", err)
	}
	return created, nil
}

// UpdateMeeting rewrites the slots and preferences of a seeking meeting
// without a peer. A linked meeting yields models.ErrAlreadyLinked.
func (s *Store) UpdateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	var updated models.Meeting
	query := `
UPDATE meetings
SET time_slots = $2,
    slots_end = $3,
    min_duration_minutes = $4,
    prefer_earlier = $5,
    allow_male = $6,
    allow_female = $7,
    min_age = $8,
    max_age = $9,
    languages = $10,
    interests = $11,
    updated_at = now()
WHERE id = $1 AND peer_meeting_id IS NULL AND status = 'seeking'
RETURNING ` + meetingColumns
	err := s.observe("UpdateMeeting", func() error {
		return s.db.GetContext(ctx, &updated, query, meeting.ID, meeting.TimeSlots, meeting.SlotsEnd,
			meeting.MinDurationMinutes, meeting.PreferEarlier, meeting.AllowMale, meeting.AllowFemale,
			meeting.MinAge, meeting.MaxAge, meeting.Languages, meeting.Interests)
	})
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err = s.GetMeeting(ctx, meeting.ID); err != nil {
			return models.Meeting{}, err
		}
		return models.Meeting{}, models.ErrAlreadyLinked
	case err != nil:
		return models.Meeting{}, fmt.Errorf("err updating meeting %d: %w", meeting.ID, err)
	}
	return updated, nil
}

// FindCandidates returns the open pool for subject: seeking meetings of
// other owners without a peer whose last slot ends after now.
func (s *Store) FindCandidates(ctx context.Context, subject models.Meeting, now time.Time) ([]models.Meeting, error) {
	var meetings []models.Meeting
	query := `
SELECT ` + meetingColumns + `
FROM meetings
WHERE owner_id <> $1
  AND id <> $2
  AND peer_meeting_id IS NULL
  AND status = 'seeking'
  AND slots_end > $3
ORDER BY id`
	err := s.read(ctx, "FindCandidates", func() error {
		meetings = meetings[:0]
		return s.db.SelectContext(ctx, &meetings, query, subject.OwnerID, subject.ID, now)
	})
	if err != nil {
		return nil, fmt.Errorf("err finding candidates for meeting %d: %w", subject.ID, err)
	}
	return meetings, nil
}

// UpcomingMeetings returns linked meetings not yet reminded that start in (from, until].
func (s *Store) UpcomingMeetings(ctx context.Context, from, until time.Time) ([]models.Meeting, error) {
	var meetings []models.Meeting
	query := `
SELECT ` + meetingColumns + `
FROM meetings
WHERE peer_meeting_id IS NOT NULL
  AND status IN ('found', 'called')
  AND NOT reminded
  AND start_time > $1
  AND start_time <= $2
ORDER BY id`
	err := s.read(ctx, "UpcomingMeetings", func() error {
		meetings = meetings[:0]
		return s.db.SelectContext(ctx, &meetings, query, from, until)
	})
	if err != nil {
		return nil, fmt.Errorf("err getting upcoming meetings: %w", err)
	}
	return meetings, nil
}

func (s *Store) MarkReminded(ctx context.Context, id int) error {
	var ok bool
	err := s.observe("MarkReminded", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE meetings SET reminded = true WHERE id = $1`, id)
		if err != nil {
			return err
		}
		ok, err = affected(res)
		return err
	})
	if err != nil {
		return fmt.Errorf("err marking meeting %d reminded: %w", id, err)
	}
	if !ok {
		return models.ErrMeetingNotFound
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

// GetMeeting locks the row until the transaction ends, so the conditional
// updates that follow act on the state that was read.
func (t *pgTx) GetMeeting(ctx context.Context, id int) (models.Meeting, error) {
	var meeting models.Meeting
	err := t.tx.GetContext(ctx, &meeting, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return models.Meeting{}, meetingErr(id, err)
	}
	return meeting, nil
}

func (t *pgTx) CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error) {
	created, err := createMeeting(ctx, t.tx, meeting)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err creating meeting: %w", err)
	}
	return created, nil
}

func (t *pgTx) LinkMeeting(ctx context.Context, id, peerID int, startTime time.Time) (bool, error) {
	if id == peerID {
		return false, fmt.Errorf("meeting %d cannot be linked to itself", id)
	}
	query := `
UPDATE meetings
SET peer_meeting_id = $2,
    start_time = $3,
    status = 'found',
    reminded = false,
    updated_at = now()
WHERE id = $1 AND peer_meeting_id IS NULL AND status = 'seeking'`
	return exec(ctx, t.tx, query, id, peerID, startTime)
}

func (t *pgTx) UnlinkMeeting(ctx context.Context, id, peerID int, status models.Status) (bool, error) {
	query := `
UPDATE meetings
SET peer_meeting_id = NULL,
    start_time = NULL,
    status = $3,
    updated_at = now()
WHERE id = $1 AND peer_meeting_id = $2`
	return exec(ctx, t.tx, query, id, peerID, status)
}

func (t *pgTx) SetMeetingStatus(ctx context.Context, id int, from, to models.Status) (bool, error) {
	query := `UPDATE meetings SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`
	return exec(ctx, t.tx, query, id, from, to)
}

func (t *pgTx) DeleteMeeting(ctx context.Context, id int, peerID *int) (bool, error) {
	query := `DELETE FROM meetings WHERE id = $1 AND peer_meeting_id IS NOT DISTINCT FROM $2`
	return exec(ctx, t.tx, query, id, peerID)
}

func getMeeting(ctx context.Context, q queryer, id int) (models.Meeting, error) {
	var meeting models.Meeting
	err := sqlx.GetContext(ctx, q, &meeting, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	return meeting, err
}

func createMeeting(ctx context.Context, q queryer, meeting models.Meeting) (models.Meeting, error) {
	var created models.Meeting
	query := `
INSERT INTO meetings (owner_id, group_id, time_slots, slots_end, min_duration_minutes, prefer_earlier,
                      allow_male, allow_female, min_age, max_age, languages, interests, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + meetingColumns
	status := meeting.Status
	if status == "" {
		status = models.StatusSeeking
	}
	err := sqlx.GetContext(ctx, q, &created, query, meeting.OwnerID, meeting.GroupID, meeting.TimeSlots,
		meeting.SlotsEnd, meeting.MinDurationMinutes, meeting.PreferEarlier, meeting.AllowMale,
		meeting.AllowFemale, meeting.MinAge, meeting.MaxAge, meeting.Languages, meeting.Interests, status)
	return created, err
}

func exec(ctx context.Context, q queryer, query string, args ...interface{}) (bool, error) {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func meetingErr(id int, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrMeetingNotFound
	}
	return fmt.Errorf("err getting meeting %d: %w", id, err)
}
