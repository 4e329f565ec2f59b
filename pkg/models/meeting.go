package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusSeeking   Status = "seeking"
	StatusFound     Status = "found"
	StatusCalled    Status = "called"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
)

// transitions lists every valid status change. Found is entered only by
// linking, Seeking is re-entered only when the peer unlinks. A meeting is
// finished only after its call took place.
var transitions = map[Status][]Status{
	StatusSeeking: {StatusFound, StatusCancelled},
	StatusFound:   {StatusCalled, StatusCancelled, StatusSeeking},
	StatusCalled:  {StatusFinished, StatusCancelled, StatusSeeking},
}

func (s Status) Valid() bool {
	switch s {
	case StatusSeeking, StatusFound, StatusCalled, StatusFinished, StatusCancelled:
		return true
	}
	return false
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Linked reports whether the status implies a peer meeting.
func (s Status) Linked() bool {
	return s == StatusFound || s == StatusCalled
}

// Slots is a set of slot start timestamps stored as a JSON array.
type Slots []time.Time

func (s Slots) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]time.Time(s))
}

func (s *Slots) Scan(src interface{}) error {
	return scanJSON(src, (*[]time.Time)(s))
}

// Tags is a set of strings (languages, interests) stored as a JSON array.
type Tags []string

func (t Tags) Value() (driver.Value, error) {
	if t == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(t))
}

func (t *Tags) Scan(src interface{}) error {
	return scanJSON(src, (*[]string)(t))
}

func (t Tags) Intersects(other Tags) bool {
	set := make(map[string]struct{}, len(t))
	for _, v := range t {
		set[v] = struct{}{}
	}
	for _, v := range other {
		if _, ok := set[v]; ok {
			return true
		}
	}
	return false
}

func scanJSON(src interface{}, dest interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported json source type %T", src)
	}
}

type MeetingRequest struct {
	ID                 *int   `json:"id"`
	GroupID            *int   `json:"groupId"`
	TimeSlots          *Slots `json:"timeSlots"`
	MinDurationMinutes *int   `json:"minDurationMinutes"`
	PreferEarlier      *bool  `json:"preferEarlier"`
	AllowMale          *bool  `json:"allowMale"`
	AllowFemale        *bool  `json:"allowFemale"`
	MinAge             *int   `json:"minAge"`
	MaxAge             *int   `json:"maxAge"`
	Languages          *Tags  `json:"languages"`
	Interests          *Tags  `json:"interests"`
}

type Meeting struct {
	ID                   int        `json:"id" db:"id"`
	OwnerID              int        `json:"ownerId" db:"owner_id"`
	GroupID              int        `json:"groupId" db:"group_id"`
	TimeSlots            Slots      `json:"timeSlots" db:"time_slots"`
	SlotsEnd             *time.Time `json:"-" db:"slots_end"`
	MinDurationMinutes   int        `json:"minDurationMinutes" db:"min_duration_minutes"`
	PreferEarlier        bool       `json:"preferEarlier" db:"prefer_earlier"`
	AllowMale            bool       `json:"allowMale" db:"allow_male"`
	AllowFemale          bool       `json:"allowFemale" db:"allow_female"`
	MinAge               int        `json:"minAge" db:"min_age"`
	MaxAge               int        `json:"maxAge" db:"max_age"`
	Languages            Tags       `json:"languages" db:"languages"`
	Interests            Tags       `json:"interests" db:"interests"`
	PeerMeetingID        *int       `json:"peerMeetingId" db:"peer_meeting_id"`
	StartTime            *time.Time `json:"startTime" db:"start_time"`
	Status               Status     `json:"status" db:"status"`
	LastCallTime         *time.Time `json:"lastCallTime" db:"last_call_time"`
	TotalDurationSeconds int        `json:"totalDurationSeconds" db:"total_duration_seconds"`
	Reminded             bool       `json:"-" db:"reminded"`
	CreatedAt            time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt            time.Time  `json:"updatedAt" db:"updated_at"`
}

func (m Meeting) Linked() bool {
	return m.PeerMeetingID != nil
}

// LastSlotEnd returns the end of the latest slot, or nil when there are no slots.
func (m Meeting) LastSlotEnd(slotDuration time.Duration) *time.Time {
	var last *time.Time
	for i := range m.TimeSlots {
		end := m.TimeSlots[i].Add(slotDuration)
		if last == nil || end.After(*last) {
			last = &end
		}
	}
	return last
}

// Apply copies the fields set in req onto m. Immutable fields are left alone.
func (r MeetingRequest) Apply(m Meeting) Meeting {
	if r.GroupID != nil && m.ID == 0 {
		m.GroupID = *r.GroupID
	}
	if r.TimeSlots != nil {
		m.TimeSlots = *r.TimeSlots
	}
	if r.MinDurationMinutes != nil {
		m.MinDurationMinutes = *r.MinDurationMinutes
	}
	if r.PreferEarlier != nil {
		m.PreferEarlier = *r.PreferEarlier
	}
	if r.AllowMale != nil {
		m.AllowMale = *r.AllowMale
	}
	if r.AllowFemale != nil {
		m.AllowFemale = *r.AllowFemale
	}
	if r.MinAge != nil {
		m.MinAge = *r.MinAge
	}
	if r.MaxAge != nil {
		m.MaxAge = *r.MaxAge
	}
	if r.Languages != nil {
		m.Languages = *r.Languages
	}
	if r.Interests != nil {
		m.Interests = *r.Interests
	}
	return m
}

// NewMeeting builds an unsaved meeting with default preferences overridden by req.
func NewMeeting(ownerID int, req MeetingRequest) Meeting {
	m := Meeting{
		OwnerID:            ownerID,
		MinDurationMinutes: 30,
		PreferEarlier:      true,
		AllowMale:          true,
		AllowFemale:        true,
		MinAge:             0,
		MaxAge:             150,
		Status:             StatusSeeking,
	}
	return req.Apply(m)
}
