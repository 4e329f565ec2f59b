package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/interval"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
)

// statusAttempts bounds retries of a status change that raced with a link.
const statusAttempts = 3

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

type Matcher interface {
	TryConnectMeetings(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	TryCreateAndConnect(ctx context.Context, targetID int, meeting models.Meeting) (models.Meeting, error)
}

type Store interface {
	store.TxRunner
	GetMeeting(ctx context.Context, id int) (models.Meeting, error)
	GetMeetings(ctx context.Context, ownerID int) ([]models.Meeting, error)
	CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	UpdateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	CreateUser(ctx context.Context, user models.User) (models.User, error)
	GetUser(ctx context.Context, id int) (models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (models.User, error)
	UpdateUser(ctx context.Context, user models.User) (models.User, error)
}

type ScheduleService struct {
	log      *logrus.Entry
	store    Store
	matcher  Matcher
	notifier Notifier
}

func NewScheduleService(log *logrus.Logger, store Store, matcher Matcher, notifier Notifier) *ScheduleService {
	s := ScheduleService{
		log:      log.WithField("component", "service"),
		store:    store,
		matcher:  matcher,
		notifier: notifier,
	}
	return &s
}

// CreateOrUpdateMeeting creates a meeting for ownerID, or updates the one
// named by req.ID, and then tries to pair it from the open pool.
func (s *ScheduleService) CreateOrUpdateMeeting(ctx context.Context, ownerID int, req models.MeetingRequest) (models.Meeting, error) {
	var meeting models.Meeting
	if req.ID == nil {
		if _, err := s.store.GetUser(ctx, ownerID); err != nil {
			return models.Meeting{}, fmt.Errorf("err getting owner %d: %w", ownerID, err)
		}
		meeting = models.NewMeeting(ownerID, req)
		if err := validateMeeting(meeting); err != nil {
			return models.Meeting{}, err
		}
		meeting.SlotsEnd = meeting.LastSlotEnd(interval.SlotDuration)
		created, err := s.store.CreateMeeting(ctx, meeting)
		if err != nil {
			return models.Meeting{}, fmt.Errorf("err creating meeting: %w", err)
		}
		s.log.Infof("meeting %d created by user %d", created.ID, ownerID)
		meeting = created
	} else {
		existing, err := s.ownMeeting(ctx, ownerID, *req.ID)
		if err != nil {
			return models.Meeting{}, err
		}
		if existing.Linked() || existing.Status != models.StatusSeeking {
			return models.Meeting{}, models.ErrAlreadyLinked
		}
		if req.GroupID != nil && *req.GroupID != existing.GroupID {
			return models.Meeting{}, fmt.Errorf("%w: group cannot be changed", models.ErrValidation)
		}
		meeting = req.Apply(existing)
		if err = validateMeeting(meeting); err != nil {
			return models.Meeting{}, err
		}
		meeting.SlotsEnd = meeting.LastSlotEnd(interval.SlotDuration)
		updated, err := s.store.UpdateMeeting(ctx, meeting)
		if err != nil {
			return models.Meeting{}, fmt.Errorf("err updating meeting %d: %w", meeting.ID, err)
		}
		meeting = updated
	}
	return s.connect(ctx, meeting), nil
}

// JoinMeeting creates a meeting for ownerID and links it to the target
// meeting. The new meeting inherits the target's group.
func (s *ScheduleService) JoinMeeting(ctx context.Context, ownerID, targetID int, req models.MeetingRequest) (models.Meeting, error) {
	if req.ID != nil {
		return models.Meeting{}, fmt.Errorf("%w: a joining meeting is always new", models.ErrValidation)
	}
	target, err := s.store.GetMeeting(ctx, targetID)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err getting meeting %d: %w", targetID, err)
	}
	if target.OwnerID == ownerID {
		return models.Meeting{}, fmt.Errorf("%w: cannot join own meeting", models.ErrValidation)
	}
	if req.GroupID != nil && *req.GroupID != target.GroupID {
		return models.Meeting{}, fmt.Errorf("%w: group differs from target meeting", models.ErrValidation)
	}
	meeting := models.NewMeeting(ownerID, req)
	meeting.GroupID = target.GroupID
	if err = validateMeeting(meeting); err != nil {
		return models.Meeting{}, err
	}
	meeting.SlotsEnd = meeting.LastSlotEnd(interval.SlotDuration)

	joined, err := s.matcher.TryCreateAndConnect(ctx, targetID, meeting)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err joining meeting %d: %w", targetID, err)
	}
	return joined, nil
}

// UpdateMeetingStatus applies a user requested transition: Called, Finished
// or Cancelled. Finishing or cancelling a linked meeting unlinks its peer,
// which goes back to Seeking and is matched again.
func (s *ScheduleService) UpdateMeetingStatus(ctx context.Context, ownerID, id int, status models.Status) (models.Meeting, error) {
	if !status.Valid() {
		return models.Meeting{}, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	if status == models.StatusSeeking || status == models.StatusFound {
		return models.Meeting{}, fmt.Errorf("%w: %s is set by matching only", models.ErrInvalidTransition, status)
	}
	if _, err := s.ownMeeting(ctx, ownerID, id); err != nil {
		return models.Meeting{}, err
	}

	var res unlinkResult
	var err error
	for attempt := 0; attempt < statusAttempts; attempt++ {
		res, err = s.setStatus(ctx, id, status)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
		s.log.Debugf("meeting %d changed while moving to %s, retrying", id, status)
	}
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err setting meeting %d status: %w", id, err)
	}
	s.log.Infof("meeting %d is %s", id, status)

	if res.peerID != 0 {
		kind := models.MeetingDisconnected
		if status == models.StatusFinished {
			kind = models.MeetingFinished
		}
		s.releasePeer(ctx, res, kind)
	}
	return res.meeting, nil
}

// DeleteMeeting removes an owned meeting, unlinking its peer first.
func (s *ScheduleService) DeleteMeeting(ctx context.Context, ownerID, id int) (models.Meeting, error) {
	if _, err := s.ownMeeting(ctx, ownerID, id); err != nil {
		return models.Meeting{}, err
	}

	var res unlinkResult
	var err error
	for attempt := 0; attempt < statusAttempts; attempt++ {
		res, err = s.delete(ctx, id)
		if !errors.Is(err, store.ErrConflict) {
			break
		}
	}
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err deleting meeting %d: %w", id, err)
	}
	s.log.Infof("meeting %d deleted by user %d", id, ownerID)

	if res.peerID != 0 {
		s.releasePeer(ctx, res, models.MeetingDisconnected)
	}
	return res.meeting, nil
}

func (s *ScheduleService) GetMeeting(ctx context.Context, id int) (models.Meeting, error) {
	return s.store.GetMeeting(ctx, id)
}

func (s *ScheduleService) GetMeetings(ctx context.Context, ownerID int) ([]models.Meeting, error) {
	meetings, err := s.store.GetMeetings(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("err getting meetings of user %d: %w", ownerID, err)
	}
	return meetings, nil
}

type unlinkResult struct {
	meeting models.Meeting
	// peerID is the meeting that was unlinked from meeting, zero if none.
	peerID int
}

func (s *ScheduleService) setStatus(ctx context.Context, id int, status models.Status) (unlinkResult, error) {
	var res unlinkResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetMeeting(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s to %s", models.ErrInvalidTransition, current.Status, status)
		}
		if status == models.StatusCalled || !current.Linked() {
			ok, err := tx.SetMeetingStatus(ctx, id, current.Status, status)
			if err != nil {
				return err
			}
			if !ok {
				return store.ErrConflict
			}
			current.Status = status
			res = unlinkResult{meeting: current}
			return nil
		}

		peerID := *current.PeerMeetingID
		self := func() (bool, error) { return tx.UnlinkMeeting(ctx, id, peerID, status) }
		peer := func() (bool, error) { return s.unlinkPeer(ctx, tx, peerID, id) }
		if err = inOrder(id, peerID, self, peer); err != nil {
			return err
		}
		current.PeerMeetingID = nil
		current.StartTime = nil
		current.Status = status
		res = unlinkResult{meeting: current, peerID: peerID}
		return nil
	})
	return res, err
}

func (s *ScheduleService) delete(ctx context.Context, id int) (unlinkResult, error) {
	var res unlinkResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetMeeting(ctx, id)
		if err != nil {
			return err
		}
		if current.Linked() {
			peerID := *current.PeerMeetingID
			self := func() (bool, error) { return tx.DeleteMeeting(ctx, id, &peerID) }
			peer := func() (bool, error) { return s.unlinkPeer(ctx, tx, peerID, id) }
			if err = inOrder(id, peerID, self, peer); err != nil {
				return err
			}
			res = unlinkResult{meeting: current, peerID: peerID}
			return nil
		}
		ok, err := tx.DeleteMeeting(ctx, id, nil)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrConflict
		}
		res = unlinkResult{meeting: current}
		return nil
	})
	return res, err
}

// unlinkPeer returns the peer to Seeking. A peer no longer pointing back at
// id is left alone, it was unlinked by its own owner.
func (s *ScheduleService) unlinkPeer(ctx context.Context, tx store.Tx, peerID, id int) (bool, error) {
	ok, err := tx.UnlinkMeeting(ctx, peerID, id, models.StatusSeeking)
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Warnf("meeting %d was not linked back to %d", peerID, id)
	}
	return true, nil
}

// inOrder runs the two row updates in ascending meeting id order. A false
// result from either one aborts the transaction as a conflict.
func inOrder(id, peerID int, self, peer func() (bool, error)) error {
	steps := []func() (bool, error){self, peer}
	if peerID < id {
		steps[0], steps[1] = steps[1], steps[0]
	}
	for _, step := range steps {
		ok, err := step()
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrConflict
		}
	}
	return nil
}

// releasePeer tells the peer's owner about the broken link and puts the
// peer back into the open pool. Failures are logged only.
func (s *ScheduleService) releasePeer(ctx context.Context, res unlinkResult, kind models.EventKind) {
	peer, err := s.store.GetMeeting(ctx, res.peerID)
	if err != nil {
		s.log.Warnf("err getting released meeting %d: %v", res.peerID, err)
		return
	}
	owner, err := s.store.GetUser(ctx, res.meeting.OwnerID)
	if err != nil {
		s.log.Warnf("err getting user %d: %v", res.meeting.OwnerID, err)
		owner = models.User{ID: res.meeting.OwnerID}
	}
	if err = s.notifier.Notify(ctx, models.NewEvent(kind, peer, res.meeting, owner)); err != nil {
		s.log.Errorf("err notifying user %d about meeting %d: %v", peer.OwnerID, peer.ID, err)
	}
	s.connect(ctx, peer)
}

// connect runs broad matching for a seeking meeting. A failed match leaves
// the meeting seeking, which is a valid state, so the error is only logged.
func (s *ScheduleService) connect(ctx context.Context, meeting models.Meeting) models.Meeting {
	if meeting.Linked() || meeting.Status != models.StatusSeeking {
		return meeting
	}
	connected, err := s.matcher.TryConnectMeetings(ctx, meeting)
	if err != nil {
		s.log.Warnf("err matching meeting %d: %v", meeting.ID, err)
		return meeting
	}
	return connected
}

func (s *ScheduleService) ownMeeting(ctx context.Context, ownerID, id int) (models.Meeting, error) {
	meeting, err := s.store.GetMeeting(ctx, id)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err getting meeting %d: %w", id, err)
	}
	if meeting.OwnerID != ownerID {
		return models.Meeting{}, models.ErrForbidden
	}
	return meeting, nil
}

func validateMeeting(m models.Meeting) error {
	switch {
	case m.GroupID <= 0:
		return fmt.Errorf("%w: group is required", models.ErrValidation)
	case m.MinDurationMinutes <= 0:
		return fmt.Errorf("%w: minimal duration must be positive", models.ErrValidation)
	case m.MinAge < 0 || m.MaxAge < m.MinAge:
		return fmt.Errorf("%w: invalid age range %d-%d", models.ErrValidation, m.MinAge, m.MaxAge)
	case !m.AllowMale && !m.AllowFemale:
		return fmt.Errorf("%w: no gender allowed", models.ErrValidation)
	}
	for _, slot := range m.TimeSlots {
		if slot.IsZero() || !slot.Truncate(time.Minute).Equal(slot) {
			return fmt.Errorf("%w: invalid slot %s", models.ErrValidation, slot)
		}
	}
	return nil
}
