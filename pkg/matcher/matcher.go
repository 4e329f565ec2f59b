package matcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/metrics"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
)

const (
	// BroadMatchAttempts caps link attempts against the open pool.
	BroadMatchAttempts = 10
	// DirectJoinAttempts caps link attempts when joining one specific meeting.
	DirectJoinAttempts = 3
)

const (
	flowBroad  = "broad"
	flowDirect = "direct"
)

type Store interface {
	store.TxRunner
	GetMeeting(ctx context.Context, id int) (models.Meeting, error)
	FindCandidates(ctx context.Context, subject models.Meeting, now time.Time) ([]models.Meeting, error)
	GetUsers(ctx context.Context, ids []int) ([]models.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

type Matcher struct {
	log      *logrus.Entry
	store    Store
	notifier Notifier
	now      func() time.Time
	intn     func(n int) int
}

type Option func(*Matcher)

// WithClock replaces the wall clock used to discard past slots.
func WithClock(now func() time.Time) Option {
	return func(m *Matcher) {
		m.now = now
	}
}

// WithRandom replaces the source picking a candidate index in [0, n).
func WithRandom(intn func(n int) int) Option {
	return func(m *Matcher) {
		m.intn = intn
	}
}

func New(log *logrus.Logger, store Store, notifier Notifier, opts ...Option) *Matcher {
	m := Matcher{
		log:      log.WithField("component", "matcher"),
		store:    store,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
		intn:     rand.Intn,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return &m
}

type outcome int

const (
	linkedOK outcome = iota
	subjectStolen
	candidateStolen
)

func (o outcome) String() string {
	switch o {
	case linkedOK:
		return "linked"
	case subjectStolen:
		return "subject_stolen"
	case candidateStolen:
		return "candidate_stolen"
	}
	return "unknown"
}

type linkResult struct {
	outcome   outcome
	subject   models.Meeting
	candidate models.Meeting
}

type candidate struct {
	meeting models.Meeting
	long    bool
}

// errRollback aborts a transaction whose link attempt lost a race.
var errRollback = errors.New("rollback")

// TryConnectMeetings links a seeking meeting to a random compatible meeting
// from the open pool. A meeting that cannot be linked is returned unchanged.
func (m *Matcher) TryConnectMeetings(ctx context.Context, subject models.Meeting) (models.Meeting, error) {
	if subject.Linked() || subject.Status != models.StatusSeeking {
		return subject, nil
	}
	now := m.now()
	pool, err := m.store.FindCandidates(ctx, subject, now)
	if err != nil {
		return subject, fmt.Errorf("err finding candidates for meeting %d: %w", subject.ID, err)
	}
	metrics.CandidatePool.Observe(float64(len(pool)))
	if len(pool) == 0 {
		metrics.Matches.WithLabelValues(flowBroad, "seeking").Inc()
		return subject, nil
	}

	ids := []int{subject.OwnerID}
	for _, c := range pool {
		ids = append(ids, c.OwnerID)
	}
	users, err := m.loadUsers(ctx, ids)
	if err != nil {
		return subject, err
	}
	owner, ok := users[subject.OwnerID]
	if !ok {
		return subject, fmt.Errorf("err getting owner %d of meeting %d: %w", subject.OwnerID, subject.ID, models.ErrUserNotFound)
	}

	var all, long []candidate
	for _, c := range pool {
		candidateOwner, ok := users[c.OwnerID]
		if !ok {
			continue
		}
		ranges, ok := CanConnect(subject, c, owner, candidateOwner, now)
		if !ok {
			continue
		}
		cand := candidate{meeting: c, long: hasLongRange(ranges)}
		all = append(all, cand)
		if cand.long {
			long = append(long, cand)
		}
	}
	m.log.Debugf("meeting %d: %d candidates, %d compatible, %d with an hour", subject.ID, len(pool), len(all), len(long))

	for attempt := 0; attempt < BroadMatchAttempts; attempt++ {
		active := long
		if len(active) == 0 {
			active = all
		}
		if len(active) == 0 {
			break
		}
		chosen := active[m.intn(len(active))].meeting

		res, err := m.link(ctx, subject.ID, chosen.ID)
		switch {
		case errors.Is(err, store.ErrConflict):
			metrics.LinkAttempts.WithLabelValues(flowBroad, "conflict").Inc()
			m.log.Debugf("meeting %d: conflict linking with %d, retrying", subject.ID, chosen.ID)
			continue
		case err != nil:
			metrics.Matches.WithLabelValues(flowBroad, "failed").Inc()
			return subject, fmt.Errorf("err linking meeting %d with %d: %w", subject.ID, chosen.ID, err)
		}
		metrics.LinkAttempts.WithLabelValues(flowBroad, res.outcome.String()).Inc()

		switch res.outcome {
		case linkedOK:
			metrics.Matches.WithLabelValues(flowBroad, "linked").Inc()
			m.log.Infof("meeting %d linked with %d at %s", subject.ID, chosen.ID, res.subject.StartTime)
			m.notify(ctx, models.NewEvent(models.MeetingConnected, res.subject, res.candidate, users[chosen.OwnerID]))
			m.notify(ctx, models.NewEvent(models.MeetingConnected, res.candidate, res.subject, owner))
			return res.subject, nil
		case subjectStolen:
			metrics.Matches.WithLabelValues(flowBroad, "linked").Inc()
			m.log.Debugf("meeting %d was linked concurrently", subject.ID)
			current, err := m.store.GetMeeting(ctx, subject.ID)
			if err != nil {
				return subject, fmt.Errorf("err getting meeting %d: %w", subject.ID, err)
			}
			return current, nil
		case candidateStolen:
			m.log.Debugf("meeting %d: candidate %d was taken, narrowing pool", subject.ID, chosen.ID)
			all = without(all, chosen.ID)
			long = without(long, chosen.ID)
		}
	}

	metrics.Matches.WithLabelValues(flowBroad, "seeking").Inc()
	return subject, nil
}

// TryCreateAndConnect inserts meeting and links it to the target meeting.
// It fails with ErrPeerAlreadyLinked when the target has a peer and with
// ErrInsufficientOverlap when the two meetings cannot meet; in both cases
// nothing is inserted.
func (m *Matcher) TryCreateAndConnect(ctx context.Context, targetID int, meeting models.Meeting) (models.Meeting, error) {
	target, err := m.store.GetMeeting(ctx, targetID)
	if err != nil {
		return models.Meeting{}, fmt.Errorf("err getting meeting %d: %w", targetID, err)
	}
	if target.Linked() || target.Status != models.StatusSeeking {
		return models.Meeting{}, models.ErrPeerAlreadyLinked
	}
	users, err := m.loadUsers(ctx, []int{meeting.OwnerID, target.OwnerID})
	if err != nil {
		return models.Meeting{}, err
	}
	joiner, ok := users[meeting.OwnerID]
	if !ok {
		return models.Meeting{}, fmt.Errorf("err getting user %d: %w", meeting.OwnerID, models.ErrUserNotFound)
	}
	targetOwner, ok := users[target.OwnerID]
	if !ok {
		return models.Meeting{}, fmt.Errorf("err getting user %d: %w", target.OwnerID, models.ErrUserNotFound)
	}

	var created *models.Meeting
	for attempt := 0; attempt < DirectJoinAttempts; attempt++ {
		var res linkResult
		if created == nil {
			res, err = m.createAndLink(ctx, targetID, meeting, joiner, targetOwner)
		} else {
			res, err = m.link(ctx, created.ID, targetID)
		}
		switch {
		case errors.Is(err, store.ErrConflict):
			metrics.LinkAttempts.WithLabelValues(flowDirect, "conflict").Inc()
			continue
		case err != nil:
			metrics.Matches.WithLabelValues(flowDirect, "failed").Inc()
			return models.Meeting{}, err
		}
		metrics.LinkAttempts.WithLabelValues(flowDirect, res.outcome.String()).Inc()

		switch res.outcome {
		case linkedOK:
			metrics.Matches.WithLabelValues(flowDirect, "linked").Inc()
			m.log.Infof("meeting %d joined %d at %s", res.subject.ID, targetID, res.subject.StartTime)
			m.notify(ctx, models.NewEvent(models.MeetingConnected, res.candidate, res.subject, joiner))
			return res.subject, nil
		case candidateStolen:
			metrics.Matches.WithLabelValues(flowDirect, "failed").Inc()
			return models.Meeting{}, models.ErrPeerAlreadyLinked
		case subjectStolen:
			subject := res.subject
			created = &subject
		}
	}
	metrics.Matches.WithLabelValues(flowDirect, "failed").Inc()
	return models.Meeting{}, fmt.Errorf("%w: meeting %d with %d after %d attempts", models.ErrInternalMatch, meetingID(created), targetID, DirectJoinAttempts)
}

// createAndLink inserts the joining meeting and links it in one transaction.
// The insert is kept only if linking succeeds or the new meeting itself was
// taken by a concurrent link.
func (m *Matcher) createAndLink(ctx context.Context, targetID int, meeting models.Meeting, joiner, targetOwner models.User) (linkResult, error) {
	var res linkResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		target, err := tx.GetMeeting(ctx, targetID)
		if err != nil {
			return fmt.Errorf("err getting meeting %d: %w", targetID, err)
		}
		if target.Linked() || target.Status != models.StatusSeeking {
			return models.ErrPeerAlreadyLinked
		}
		created, err := tx.CreateMeeting(ctx, meeting)
		if err != nil {
			return fmt.Errorf("err creating meeting: %w", err)
		}
		if _, ok := CanConnect(created, target, joiner, targetOwner, m.now()); !ok {
			return models.ErrInsufficientOverlap
		}
		res, err = m.linkInTx(ctx, tx, created.ID, target.ID)
		if err != nil {
			return err
		}
		if res.outcome == candidateStolen {
			return models.ErrPeerAlreadyLinked
		}
		return nil
	})
	return res, err
}

// link runs one paired link attempt in its own transaction.
func (m *Matcher) link(ctx context.Context, subjectID, candidateID int) (linkResult, error) {
	var res linkResult
	err := m.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = m.linkInTx(ctx, tx, subjectID, candidateID)
		if err != nil {
			return err
		}
		if res.outcome != linkedOK {
			return errRollback
		}
		return nil
	})
	if errors.Is(err, errRollback) {
		err = nil
	}
	return res, err
}

// linkInTx re-reads both meetings and points them at each other with a
// shared start time. Rows are read and updated in id order so that two
// attempts linking the same pair from opposite sides lock them in the same
// order. A store that locks on read keeps both rows unchanged until commit.
func (m *Matcher) linkInTx(ctx context.Context, tx store.Tx, subjectID, candidateID int) (linkResult, error) {
	var subject, cand models.Meeting
	var subjectErr, candErr error
	if subjectID < candidateID {
		subject, subjectErr = tx.GetMeeting(ctx, subjectID)
		if subjectErr == nil {
			cand, candErr = tx.GetMeeting(ctx, candidateID)
		}
	} else {
		cand, candErr = tx.GetMeeting(ctx, candidateID)
		if candErr == nil || errors.Is(candErr, models.ErrMeetingNotFound) {
			subject, subjectErr = tx.GetMeeting(ctx, subjectID)
		}
	}
	if subjectErr != nil {
		return linkResult{}, fmt.Errorf("err getting meeting %d: %w", subjectID, subjectErr)
	}
	if subject.Linked() || subject.Status != models.StatusSeeking {
		return linkResult{outcome: subjectStolen, subject: subject}, nil
	}
	switch {
	case errors.Is(candErr, models.ErrMeetingNotFound):
		return linkResult{outcome: candidateStolen, subject: subject}, nil
	case candErr != nil:
		return linkResult{}, fmt.Errorf("err getting meeting %d: %w", candidateID, candErr)
	}
	if cand.Linked() || cand.Status != models.StatusSeeking {
		return linkResult{outcome: candidateStolen, subject: subject, candidate: cand}, nil
	}
	ranges := overlap(subject, cand, m.now())
	if len(ranges) == 0 {
		return linkResult{outcome: candidateStolen, subject: subject, candidate: cand}, nil
	}
	start := PickStartTime(ranges, subject, cand)

	pairs := [][2]int{{subject.ID, cand.ID}, {cand.ID, subject.ID}}
	if cand.ID < subject.ID {
		pairs[0], pairs[1] = pairs[1], pairs[0]
	}
	for _, p := range pairs {
		ok, err := tx.LinkMeeting(ctx, p[0], p[1], start)
		if err != nil {
			return linkResult{}, fmt.Errorf("err linking meeting %d: %w", p[0], err)
		}
		if ok {
			continue
		}
		if p[0] == subject.ID {
			return linkResult{outcome: subjectStolen, subject: subject}, nil
		}
		return linkResult{outcome: candidateStolen, subject: subject, candidate: cand}, nil
	}

	return linkResult{
		outcome:   linkedOK,
		subject:   linked(subject, cand.ID, start),
		candidate: linked(cand, subject.ID, start),
	}, nil
}

func (m *Matcher) loadUsers(ctx context.Context, ids []int) (map[int]models.User, error) {
	users, err := m.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("err getting users: %w", err)
	}
	result := make(map[int]models.User, len(users))
	for _, u := range users {
		result[u.ID] = u
	}
	return result, nil
}

func (m *Matcher) notify(ctx context.Context, event models.Event) {
	if err := m.notifier.Notify(ctx, event); err != nil {
		m.log.Errorf("err notifying user %d about meeting %d: %v", event.UserID, event.MeetingID, err)
	}
}

func linked(meeting models.Meeting, peerID int, start time.Time) models.Meeting {
	meeting.PeerMeetingID = &peerID
	meeting.StartTime = &start
	meeting.Status = models.StatusFound
	meeting.Reminded = false
	return meeting
}

func without(candidates []candidate, id int) []candidate {
	result := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.meeting.ID != id {
			result = append(result, c)
		}
	}
	return result
}

func meetingID(m *models.Meeting) int {
	if m == nil {
		return 0
	}
	return m.ID
}
