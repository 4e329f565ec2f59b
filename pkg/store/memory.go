package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pershin-daniil/MeetMatch/pkg/interval"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

// Memory keeps meetings and users in process memory. Transactions are
// serialized by a single lock, which gives them the same compare-and-set
// behaviour as the conditional updates of the postgres store.
type Memory struct {
	mu            sync.Mutex
	meetings      map[int]models.Meeting
	users         map[int]models.User
	lastMeetingID int
	lastUserID    int
}

func NewMemory() *Memory {
	return &Memory{
		meetings: make(map[int]models.Meeting),
		users:    make(map[int]models.User),
	}
}

func (s *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memoryTx{store: s, staged: make(map[int]*models.Meeting)}
	if err := fn(tx); err != nil {
		return err
	}
	for id, m := range tx.staged {
		if m == nil {
			delete(s.meetings, id)
			continue
		}
		s.meetings[id] = *m
	}
	return nil
}

func (s *Memory) GetMeeting(_ context.Context, id int) (models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	return cloneMeeting(m), nil
}

func (s *Memory) GetMeetings(_ context.Context, ownerID int) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]models.Meeting, 0)
	for _, m := range s.meetings {
		if m.OwnerID == ownerID {
			result = append(result, cloneMeeting(m))
		}
	}
	sortMeetings(result)
	return result, nil
}

func (s *Memory) CreateMeeting(_ context.Context, meeting models.Meeting) (models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.newMeeting(meeting)
	s.meetings[m.ID] = m
	return cloneMeeting(m), nil
}

func (s *Memory) UpdateMeeting(_ context.Context, meeting models.Meeting) (models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meeting.ID]
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	if m.Linked() || m.Status != models.StatusSeeking {
		return models.Meeting{}, models.ErrAlreadyLinked
	}
	m.TimeSlots = cloneSlots(meeting.TimeSlots)
	m.MinDurationMinutes = meeting.MinDurationMinutes
	m.PreferEarlier = meeting.PreferEarlier
	m.AllowMale = meeting.AllowMale
	m.AllowFemale = meeting.AllowFemale
	m.MinAge = meeting.MinAge
	m.MaxAge = meeting.MaxAge
	m.Languages = cloneTags(meeting.Languages)
	m.Interests = cloneTags(meeting.Interests)
	m.UpdatedAt = time.Now().UTC()
	s.meetings[m.ID] = m
	return cloneMeeting(m), nil
}

func (s *Memory) FindCandidates(_ context.Context, subject models.Meeting, now time.Time) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Meeting
	for _, m := range s.meetings {
		if m.ID == subject.ID || m.OwnerID == subject.OwnerID || m.Linked() || m.Status != models.StatusSeeking {
			continue
		}
		if !hasFutureSlot(m, now) {
			continue
		}
		result = append(result, cloneMeeting(m))
	}
	sortMeetings(result)
	return result, nil
}

func (s *Memory) UpcomingMeetings(_ context.Context, from, until time.Time) ([]models.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.Meeting
	for _, m := range s.meetings {
		if !m.Linked() || !m.Status.Linked() || m.Reminded || m.StartTime == nil {
			continue
		}
		if m.StartTime.After(from) && !m.StartTime.After(until) {
			result = append(result, cloneMeeting(m))
		}
	}
	sortMeetings(result)
	return result, nil
}

func (s *Memory) MarkReminded(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return models.ErrMeetingNotFound
	}
	m.Reminded = true
	s.meetings[id] = m
	return nil
}

func (s *Memory) CreateUser(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUserID++
	user.ID = s.lastUserID
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	s.users[user.ID] = user
	return user, nil
}

func (s *Memory) GetUser(_ context.Context, id int) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	return u, nil
}

func (s *Memory) GetUsers(_ context.Context, ids []int) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []models.User
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			result = append(result, u)
		}
	}
	return result, nil
}

func (s *Memory) GetUserByTelegramID(_ context.Context, telegramID int64) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.TelegramID != nil && *u.TelegramID == telegramID {
			return u, nil
		}
	}
	return models.User{}, models.ErrUserNotFound
}

func (s *Memory) UpdateUser(_ context.Context, user models.User) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user.ID]
	if !ok {
		return models.User{}, models.ErrUserNotFound
	}
	user.CreatedAt = u.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	s.users[user.ID] = user
	return user, nil
}

func (s *Memory) newMeeting(meeting models.Meeting) models.Meeting {
	s.lastMeetingID++
	m := cloneMeeting(meeting)
	m.ID = s.lastMeetingID
	m.PeerMeetingID = nil
	m.StartTime = nil
	m.CreatedAt = time.Now().UTC()
	m.UpdatedAt = m.CreatedAt
	if m.Status == "" {
		m.Status = models.StatusSeeking
	}
	return m
}

type memoryTx struct {
	store  *Memory
	staged map[int]*models.Meeting
}

func (tx *memoryTx) get(id int) (models.Meeting, bool) {
	if m, ok := tx.staged[id]; ok {
		if m == nil {
			return models.Meeting{}, false
		}
		return *m, true
	}
	m, ok := tx.store.meetings[id]
	return m, ok
}

func (tx *memoryTx) put(m models.Meeting) {
	m.UpdatedAt = time.Now().UTC()
	tx.staged[m.ID] = &m
}

func (tx *memoryTx) GetMeeting(_ context.Context, id int) (models.Meeting, error) {
	m, ok := tx.get(id)
	if !ok {
		return models.Meeting{}, models.ErrMeetingNotFound
	}
	return cloneMeeting(m), nil
}

func (tx *memoryTx) CreateMeeting(_ context.Context, meeting models.Meeting) (models.Meeting, error) {
	m := tx.store.newMeeting(meeting)
	tx.staged[m.ID] = &m
	return cloneMeeting(m), nil
}

func (tx *memoryTx) LinkMeeting(_ context.Context, id, peerID int, startTime time.Time) (bool, error) {
	if id == peerID {
		return false, fmt.Errorf("meeting %d cannot be linked to itself", id)
	}
	m, ok := tx.get(id)
	if !ok || m.Linked() || m.Status != models.StatusSeeking {
		return false, nil
	}
	m.PeerMeetingID = &peerID
	m.StartTime = &startTime
	m.Status = models.StatusFound
	m.Reminded = false
	tx.put(m)
	return true, nil
}

func (tx *memoryTx) UnlinkMeeting(_ context.Context, id, peerID int, status models.Status) (bool, error) {
	m, ok := tx.get(id)
	if !ok || m.PeerMeetingID == nil || *m.PeerMeetingID != peerID {
		return false, nil
	}
	m.PeerMeetingID = nil
	m.StartTime = nil
	m.Status = status
	tx.put(m)
	return true, nil
}

func (tx *memoryTx) SetMeetingStatus(_ context.Context, id int, from, to models.Status) (bool, error) {
	m, ok := tx.get(id)
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	tx.put(m)
	return true, nil
}

func (tx *memoryTx) DeleteMeeting(_ context.Context, id int, peerID *int) (bool, error) {
	m, ok := tx.get(id)
	if !ok || !samePeer(m.PeerMeetingID, peerID) {
		return false, nil
	}
	tx.staged[id] = nil
	return true, nil
}

func samePeer(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func hasFutureSlot(m models.Meeting, now time.Time) bool {
	for _, slot := range m.TimeSlots {
		if slot.Add(interval.SlotDuration).After(now) {
			return true
		}
	}
	return false
}

func sortMeetings(meetings []models.Meeting) {
	sort.Slice(meetings, func(i, j int) bool { return meetings[i].ID < meetings[j].ID })
}

func cloneMeeting(m models.Meeting) models.Meeting {
	m.TimeSlots = cloneSlots(m.TimeSlots)
	m.Languages = cloneTags(m.Languages)
	m.Interests = cloneTags(m.Interests)
	if m.PeerMeetingID != nil {
		id := *m.PeerMeetingID
		m.PeerMeetingID = &id
	}
	if m.StartTime != nil {
		t := *m.StartTime
		m.StartTime = &t
	}
	return m
}

func cloneSlots(s models.Slots) models.Slots {
	if s == nil {
		return nil
	}
	return append(models.Slots(nil), s...)
}

func cloneTags(t models.Tags) models.Tags {
	if t == nil {
		return nil
	}
	return append(models.Tags(nil), t...)
}
