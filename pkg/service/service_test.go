package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/pershin-daniil/MeetMatch/pkg/matcher"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
)

var testNow = time.Date(2030, 5, 6, 8, 0, 0, 0, time.UTC)

func slot(hour, minute int) time.Time {
	return time.Date(2030, 5, 6, hour, minute, 0, 0, time.UTC)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event models.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) last() models.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return models.Event{}
	}
	return n.events[len(n.events)-1]
}

// racingStore commits race in its own transaction right before the first
// transaction it runs, and hands that transaction the meeting as it was
// before the race. Writes based on the stale read must not apply.
type racingStore struct {
	*store.Memory
	id    int
	race  func(tx store.Tx) error
	raced bool
	txs   int
}

func (s *racingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txs++
	if s.raced {
		return s.Memory.InTx(ctx, fn)
	}
	s.raced = true
	stale, err := s.Memory.GetMeeting(ctx, s.id)
	if err != nil {
		return err
	}
	if err = s.Memory.InTx(ctx, s.race); err != nil {
		return err
	}
	return s.Memory.InTx(ctx, func(tx store.Tx) error {
		return fn(&staleTx{Tx: tx, stale: &stale})
	})
}

type staleTx struct {
	store.Tx
	stale *models.Meeting
}

func (tx *staleTx) GetMeeting(ctx context.Context, id int) (models.Meeting, error) {
	if tx.stale != nil && tx.stale.ID == id {
		m := *tx.stale
		tx.stale = nil
		return m, nil
	}
	return tx.Tx.GetMeeting(ctx, id)
}

type ServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.Memory
	notifier *recordingNotifier
	service  *ScheduleService
	users    []int
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = store.NewMemory()
	s.notifier = &recordingNotifier{}
	log := logrus.New()
	m := matcher.New(log, s.store, s.notifier, matcher.WithClock(func() time.Time { return testNow }))
	s.service = NewScheduleService(log, s.store, m, s.notifier)

	s.users = nil
	for _, name := range []string{"Ivan", "Maria", "Petr"} {
		u, err := s.service.CreateUser(s.ctx, models.UserRequest{FirstName: ptr(name)})
		s.Require().NoError(err)
		s.users = append(s.users, u.ID)
	}
}

func ptr[T any](v T) *T {
	return &v
}

func (s *ServiceTestSuite) request(slots ...time.Time) models.MeetingRequest {
	return models.MeetingRequest{
		GroupID:            ptr(1),
		TimeSlots:          ptr(models.Slots(slots)),
		MinDurationMinutes: ptr(60),
		Languages:          ptr(models.Tags{"en"}),
		Interests:          ptr(models.Tags{"go"}),
	}
}

func (s *ServiceTestSuite) create(ownerID int, slots ...time.Time) models.Meeting {
	s.T().Helper()
	m, err := s.service.CreateOrUpdateMeeting(s.ctx, ownerID, s.request(slots...))
	s.Require().NoError(err)
	return m
}

func (s *ServiceTestSuite) get(id int) models.Meeting {
	s.T().Helper()
	m, err := s.store.GetMeeting(s.ctx, id)
	s.Require().NoError(err)
	return m
}

// pair creates two meetings of the first two users that link to each other.
func (s *ServiceTestSuite) pair() (models.Meeting, models.Meeting) {
	s.T().Helper()
	a := s.create(s.users[0], slot(10, 0), slot(10, 30))
	b := s.create(s.users[1], slot(10, 0), slot(10, 30))
	s.Require().True(b.Linked())
	return s.get(a.ID), b
}

func (s *ServiceTestSuite) TestCreateMeetingDefaults() {
	m := s.create(s.users[0], slot(10, 0))
	s.Require().NotZero(m.ID)
	s.Require().Equal(models.StatusSeeking, m.Status)
	s.Require().True(m.PreferEarlier)
	s.Require().True(m.AllowMale && m.AllowFemale)
	s.Require().Equal(slot(10, 30), *m.SlotsEnd)
	s.Require().False(m.Linked())
}

func (s *ServiceTestSuite) TestCreateMeetingValidation() {
	req := s.request(slot(10, 0))
	req.GroupID = nil
	_, err := s.service.CreateOrUpdateMeeting(s.ctx, s.users[0], req)
	s.Require().ErrorIs(err, models.ErrValidation)

	req = s.request(slot(10, 0))
	req.MinAge, req.MaxAge = ptr(40), ptr(30)
	_, err = s.service.CreateOrUpdateMeeting(s.ctx, s.users[0], req)
	s.Require().ErrorIs(err, models.ErrValidation)

	_, err = s.service.CreateOrUpdateMeeting(s.ctx, 404, s.request(slot(10, 0)))
	s.Require().ErrorIs(err, models.ErrUserNotFound)
}

func (s *ServiceTestSuite) TestCreateMeetingLinksBothSides() {
	a, b := s.pair()
	s.Require().Equal(b.ID, *a.PeerMeetingID)
	s.Require().Equal(a.ID, *b.PeerMeetingID)
	s.Require().Equal(slot(10, 0), *a.StartTime)
	s.Require().Equal(models.StatusFound, a.Status)
	s.Require().Len(s.notifier.events, 2)
}

func (s *ServiceTestSuite) TestUpdateMeeting() {
	a := s.create(s.users[0], slot(10, 0), slot(10, 30))
	b := s.create(s.users[1], slot(14, 0), slot(14, 30))
	s.Require().False(b.Linked())

	req := s.request(slot(10, 0), slot(10, 30))
	req.ID = ptr(b.ID)
	updated, err := s.service.CreateOrUpdateMeeting(s.ctx, s.users[1], req)
	s.Require().NoError(err)
	s.Require().Equal(a.ID, *updated.PeerMeetingID)
	s.Require().Equal(b.ID, *s.get(a.ID).PeerMeetingID)
}

func (s *ServiceTestSuite) TestUpdateMeetingErrors() {
	a, _ := s.pair()
	c := s.create(s.users[2], slot(15, 0), slot(15, 30))

	req := s.request(slot(11, 0))
	req.ID = ptr(a.ID)
	_, err := s.service.CreateOrUpdateMeeting(s.ctx, s.users[0], req)
	s.Require().ErrorIs(err, models.ErrAlreadyLinked)

	_, err = s.service.CreateOrUpdateMeeting(s.ctx, s.users[1], req)
	s.Require().ErrorIs(err, models.ErrForbidden)

	req = s.request(slot(16, 0))
	req.ID = ptr(c.ID)
	req.GroupID = ptr(2)
	_, err = s.service.CreateOrUpdateMeeting(s.ctx, s.users[2], req)
	s.Require().ErrorIs(err, models.ErrValidation)

	req.ID = ptr(404)
	_, err = s.service.CreateOrUpdateMeeting(s.ctx, s.users[2], req)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
}

func (s *ServiceTestSuite) TestCancelUnlinksBothSides() {
	a, b := s.pair()

	cancelled, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCancelled)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusCancelled, cancelled.Status)
	s.Require().Nil(cancelled.PeerMeetingID)

	stored := s.get(a.ID)
	s.Require().Nil(stored.PeerMeetingID)
	s.Require().Nil(stored.StartTime)
	s.Require().Equal(models.StatusCancelled, stored.Status)

	peer := s.get(b.ID)
	s.Require().Nil(peer.PeerMeetingID)
	s.Require().Nil(peer.StartTime)
	s.Require().Equal(models.StatusSeeking, peer.Status)

	event := s.notifier.last()
	s.Require().Equal(models.MeetingDisconnected, event.Kind)
	s.Require().Equal(s.users[1], event.UserID)
	s.Require().Equal(b.ID, event.MeetingID)
	s.Require().Equal("Ivan", event.PeerName)
}

func (s *ServiceTestSuite) TestCancelRematchesPeer() {
	a, b := s.pair()
	c := s.create(s.users[2], slot(10, 0), slot(10, 30))
	s.Require().False(c.Linked())

	_, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCancelled)
	s.Require().NoError(err)

	peer := s.get(b.ID)
	s.Require().Equal(c.ID, *peer.PeerMeetingID)
	s.Require().Equal(b.ID, *s.get(c.ID).PeerMeetingID)
}

func (s *ServiceTestSuite) TestFinish() {
	a, b := s.pair()

	called, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCalled)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusCalled, called.Status)
	s.Require().Equal(b.ID, *called.PeerMeetingID)
	s.Require().Equal(models.StatusFound, s.get(b.ID).Status)

	finished, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusFinished)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusFinished, finished.Status)
	s.Require().Nil(s.get(a.ID).PeerMeetingID)
	s.Require().Nil(s.get(b.ID).PeerMeetingID)
	s.Require().Equal(models.MeetingFinished, s.notifier.last().Kind)
	s.Require().Equal(s.users[1], s.notifier.last().UserID)
}

func (s *ServiceTestSuite) TestInvalidTransitions() {
	a := s.create(s.users[0], slot(10, 0))

	for _, status := range []models.Status{models.StatusCalled, models.StatusFinished, models.StatusFound, models.StatusSeeking} {
		_, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, status)
		s.Require().ErrorIs(err, models.ErrInvalidTransition, status)
	}
	_, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, "lost")
	s.Require().ErrorIs(err, models.ErrValidation)
	_, err = s.service.UpdateMeetingStatus(s.ctx, s.users[1], a.ID, models.StatusCancelled)
	s.Require().ErrorIs(err, models.ErrForbidden)

	cancelled, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCancelled)
	s.Require().NoError(err)
	s.Require().Equal(models.StatusCancelled, cancelled.Status)

	_, err = s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCancelled)
	s.Require().ErrorIs(err, models.ErrInvalidTransition)
	s.Require().Equal(models.StatusCancelled, s.get(a.ID).Status)
}

func (s *ServiceTestSuite) TestFinishRequiresCall() {
	a, b := s.pair()
	s.notifier.events = nil

	_, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusFinished)
	s.Require().ErrorIs(err, models.ErrInvalidTransition)

	stored := s.get(a.ID)
	s.Require().Equal(models.StatusFound, stored.Status)
	s.Require().Equal(b.ID, *stored.PeerMeetingID)
	peer := s.get(b.ID)
	s.Require().Equal(models.StatusFound, peer.Status)
	s.Require().Equal(a.ID, *peer.PeerMeetingID)
	s.Require().Empty(s.notifier.events)
}

// After one side finishes, the other is back in the pool and can no longer
// finish its own side of the call.
func (s *ServiceTestSuite) TestPeerCannotFinishAfterPartner() {
	a, b := s.pair()
	_, err := s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusCalled)
	s.Require().NoError(err)
	_, err = s.service.UpdateMeetingStatus(s.ctx, s.users[0], a.ID, models.StatusFinished)
	s.Require().NoError(err)

	s.Require().Equal(models.StatusSeeking, s.get(b.ID).Status)
	_, err = s.service.UpdateMeetingStatus(s.ctx, s.users[1], b.ID, models.StatusFinished)
	s.Require().ErrorIs(err, models.ErrInvalidTransition)
	_, err = s.service.UpdateMeetingStatus(s.ctx, s.users[1], b.ID, models.StatusCancelled)
	s.Require().NoError(err)
}

func (s *ServiceTestSuite) TestDeleteLinkedMeeting() {
	a, b := s.pair()

	_, err := s.service.DeleteMeeting(s.ctx, s.users[1], a.ID)
	s.Require().ErrorIs(err, models.ErrForbidden)

	deleted, err := s.service.DeleteMeeting(s.ctx, s.users[0], a.ID)
	s.Require().NoError(err)
	s.Require().Equal(a.ID, deleted.ID)

	_, err = s.store.GetMeeting(s.ctx, a.ID)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
	peer := s.get(b.ID)
	s.Require().Nil(peer.PeerMeetingID)
	s.Require().Equal(models.StatusSeeking, peer.Status)
	s.Require().Equal(models.MeetingDisconnected, s.notifier.last().Kind)
}

func (s *ServiceTestSuite) racingService(id int, race func(tx store.Tx) error) (*ScheduleService, *racingStore) {
	rs := &racingStore{Memory: s.store, id: id, race: race}
	log := logrus.New()
	m := matcher.New(log, s.store, s.notifier, matcher.WithClock(func() time.Time { return testNow }))
	return NewScheduleService(log, rs, m, s.notifier), rs
}

func (s *ServiceTestSuite) TestDeleteMeetingLinkedAfterRead() {
	a := s.create(s.users[0], slot(10, 0), slot(10, 30))
	x := s.create(s.users[2], slot(14, 0), slot(14, 30))
	s.Require().False(a.Linked())

	svc, rs := s.racingService(a.ID, func(tx store.Tx) error {
		if _, err := tx.LinkMeeting(s.ctx, a.ID, x.ID, slot(10, 0)); err != nil {
			return err
		}
		_, err := tx.LinkMeeting(s.ctx, x.ID, a.ID, slot(10, 0))
		return err
	})
	deleted, err := svc.DeleteMeeting(s.ctx, s.users[0], a.ID)
	s.Require().NoError(err)
	s.Require().Equal(a.ID, deleted.ID)
	s.Require().Equal(2, rs.txs)

	_, err = s.store.GetMeeting(s.ctx, a.ID)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
	s.Require().False(s.get(x.ID).Linked())
}

func (s *ServiceTestSuite) TestDeleteMeetingRelinkedAfterRead() {
	a, b := s.pair()
	c := s.create(s.users[2], slot(15, 0), slot(15, 30))

	// b's owner cancels and a is paired with c before the delete writes.
	svc, rs := s.racingService(a.ID, func(tx store.Tx) error {
		if _, err := tx.UnlinkMeeting(s.ctx, b.ID, a.ID, models.StatusCancelled); err != nil {
			return err
		}
		if _, err := tx.UnlinkMeeting(s.ctx, a.ID, b.ID, models.StatusSeeking); err != nil {
			return err
		}
		if _, err := tx.LinkMeeting(s.ctx, a.ID, c.ID, slot(15, 0)); err != nil {
			return err
		}
		_, err := tx.LinkMeeting(s.ctx, c.ID, a.ID, slot(15, 0))
		return err
	})
	_, err := svc.DeleteMeeting(s.ctx, s.users[0], a.ID)
	s.Require().NoError(err)
	s.Require().Equal(2, rs.txs)

	_, err = s.store.GetMeeting(s.ctx, a.ID)
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)
	for _, id := range []int{b.ID, c.ID} {
		peer := s.get(id)
		s.Require().False(peer.Linked(), "meeting %d", id)
	}
}

func (s *ServiceTestSuite) TestJoinMeeting() {
	target := s.create(s.users[1], slot(10, 0), slot(10, 30), slot(11, 0))
	s.notifier.events = nil

	joined, err := s.service.JoinMeeting(s.ctx, s.users[0], target.ID, s.request(slot(10, 30), slot(11, 0)))
	s.Require().NoError(err)
	s.Require().Equal(target.ID, *joined.PeerMeetingID)
	s.Require().Equal(target.GroupID, joined.GroupID)
	s.Require().Equal(slot(10, 30), *joined.StartTime)
	s.Require().Equal(joined.ID, *s.get(target.ID).PeerMeetingID)
	s.Require().Len(s.notifier.events, 1)
	s.Require().Equal(s.users[1], s.notifier.events[0].UserID)

	_, err = s.service.JoinMeeting(s.ctx, s.users[2], target.ID, s.request(slot(10, 30), slot(11, 0)))
	s.Require().ErrorIs(err, models.ErrPeerAlreadyLinked)
}

func (s *ServiceTestSuite) TestJoinMeetingErrors() {
	target := s.create(s.users[1], slot(10, 0), slot(10, 30))

	_, err := s.service.JoinMeeting(s.ctx, s.users[1], target.ID, s.request(slot(10, 0), slot(10, 30)))
	s.Require().ErrorIs(err, models.ErrValidation)

	_, err = s.service.JoinMeeting(s.ctx, s.users[0], target.ID, s.request(slot(12, 0), slot(12, 30)))
	s.Require().ErrorIs(err, models.ErrInsufficientOverlap)

	_, err = s.service.JoinMeeting(s.ctx, s.users[0], 404, s.request(slot(10, 0)))
	s.Require().ErrorIs(err, models.ErrMeetingNotFound)

	owned, err := s.service.GetMeetings(s.ctx, s.users[0])
	s.Require().NoError(err)
	s.Require().Empty(owned)
}

func (s *ServiceTestSuite) TestUsers() {
	_, err := s.service.CreateUser(s.ctx, models.UserRequest{LastName: ptr("Ivanov")})
	s.Require().ErrorIs(err, models.ErrValidation)

	gender := models.Gender("other")
	_, err = s.service.CreateUser(s.ctx, models.UserRequest{FirstName: ptr("Ivan"), Gender: &gender})
	s.Require().ErrorIs(err, models.ErrValidation)

	updated, err := s.service.UpdateUser(s.ctx, s.users[0], models.UserRequest{
		Gender:     ptr(models.GenderMale),
		BirthYear:  ptr(1990),
		TelegramID: ptr(int64(42)),
	})
	s.Require().NoError(err)
	s.Require().Equal("Ivan", updated.FirstName)
	s.Require().Equal(models.GenderMale, updated.Gender)
	s.Require().Equal(1990, *updated.BirthYear)

	_, err = s.service.UpdateUser(s.ctx, 404, models.UserRequest{})
	s.Require().ErrorIs(err, models.ErrUserNotFound)
}
