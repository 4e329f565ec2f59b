package notifier

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/metrics"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type Notifier interface {
	Notify(ctx context.Context, event models.Event) error
}

type DummyNotifier struct {
	log *logrus.Entry
}

func NewDummyNotifier(log *logrus.Logger) *DummyNotifier {
	return &DummyNotifier{
		log: log.WithField("component", "notifier"),
	}
}

func (n *DummyNotifier) Notify(_ context.Context, event models.Event) error {
	n.log.Infof("notifying user %d: %s, meeting %d with %d", event.UserID, event.Kind, event.MeetingID, event.PeerMeetingID)
	return nil
}

// Multi delivers every event to all sinks. One failing sink does not stop
// the others; their errors are joined.
type Multi struct {
	sinks map[string]Notifier
}

func NewMulti() *Multi {
	return &Multi{sinks: make(map[string]Notifier)}
}

// Add registers a sink under name, which labels its delivery metrics.
func (m *Multi) Add(name string, sink Notifier) *Multi {
	m.sinks[name] = sink
	return m
}

func (m *Multi) Notify(ctx context.Context, event models.Event) error {
	var errs []error
	for name, sink := range m.sinks {
		if err := sink.Notify(ctx, event); err != nil {
			metrics.Notifications.WithLabelValues(string(event.Kind), name+"_failed").Inc()
			errs = append(errs, err)
			continue
		}
		metrics.Notifications.WithLabelValues(string(event.Kind), name+"_sent").Inc()
	}
	return errors.Join(errs...)
}
