package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type Store interface {
	UpcomingMeetings(ctx context.Context, from, until time.Time) ([]models.Meeting, error)
	MarkReminded(ctx context.Context, id int) error
	GetMeeting(ctx context.Context, id int) (models.Meeting, error)
	GetUser(ctx context.Context, id int) (models.User, error)
}

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

// Worker reminds both owners of a linked meeting shortly before it starts.
type Worker struct {
	log      *logrus.Entry
	store    Store
	notifier Notifier
	lead     time.Duration
	interval time.Duration
	now      func() time.Time
}

func New(log *logrus.Logger, store Store, notifier Notifier, lead, interval time.Duration) *Worker {
	return &Worker{
		log:      log.WithField("component", "worker"),
		store:    store,
		notifier: notifier,
		lead:     lead,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run sends reminders every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.log.Infof("reminding %s before meetings, every %s", w.lead, w.interval)
	for {
		if _, err := w.RemindUpcoming(ctx); err != nil {
			w.log.Errorf("err sending reminders: %v", err)
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RemindUpcoming notifies the owners of meetings starting within the lead
// time and returns how many reminders were sent. A meeting whose reminder
// could not be delivered is tried again on the next run.
func (w *Worker) RemindUpcoming(ctx context.Context) (int, error) {
	now := w.now()
	meetings, err := w.store.UpcomingMeetings(ctx, now, now.Add(w.lead))
	if err != nil {
		return 0, fmt.Errorf("err getting upcoming meetings: %w", err)
	}
	sent := 0
	for _, m := range meetings {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		peer, peerUser := w.peer(ctx, m)
		if err = w.notifier.Notify(ctx, models.NewEvent(models.MeetingReminder, m, peer, peerUser)); err != nil {
			w.log.Warnf("err reminding user %d about meeting %d: %v", m.OwnerID, m.ID, err)
			continue
		}
		if err = w.store.MarkReminded(ctx, m.ID); err != nil {
			return sent, fmt.Errorf("err marking meeting %d reminded: %w", m.ID, err)
		}
		sent++
	}
	return sent, nil
}

func (w *Worker) peer(ctx context.Context, m models.Meeting) (models.Meeting, models.User) {
	if m.PeerMeetingID == nil {
		return models.Meeting{}, models.User{}
	}
	peer, err := w.store.GetMeeting(ctx, *m.PeerMeetingID)
	if err != nil {
		w.log.Warnf("err getting peer of meeting %d: %v", m.ID, err)
		return models.Meeting{ID: *m.PeerMeetingID}, models.User{}
	}
	user, err := w.store.GetUser(ctx, peer.OwnerID)
	if err != nil {
		w.log.Warnf("err getting user %d: %v", peer.OwnerID, err)
		return peer, models.User{ID: peer.OwnerID}
	}
	return peer, user
}
