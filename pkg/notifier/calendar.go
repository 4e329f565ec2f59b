package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/pershin-daniil/MeetMatch/pkg/interval"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type eventsAPI interface {
	insert(ctx context.Context, calendarID string, event *calendar.Event) error
	delete(ctx context.Context, calendarID, eventID string) error
}

// Calendar mirrors linked meetings as events of one shared Google calendar.
// Both sides of a pair map to the same event.
type Calendar struct {
	log        *logrus.Entry
	events     eventsAPI
	calendarID string
}

// NewCalendar authenticates with a service account key file.
func NewCalendar(ctx context.Context, log *logrus.Logger, credentialsFile, calendarID string) (*Calendar, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("err reading google credentials: %w", err)
	}
	config, err := google.JWTConfigFromJSON(b, calendar.CalendarEventsScope)
	if err != nil {
		return nil, fmt.Errorf("err parsing google credentials: %w", err)
	}
	srv, err := calendar.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("err creating calendar client: %w", err)
	}
	return newCalendar(log, &googleEvents{srv: srv}, calendarID), nil
}

func newCalendar(log *logrus.Logger, events eventsAPI, calendarID string) *Calendar {
	return &Calendar{
		log:        log.WithField("component", "calendar"),
		events:     events,
		calendarID: calendarID,
	}
}

func (c *Calendar) Notify(ctx context.Context, event models.Event) error {
	id := eventID(event.MeetingID, event.PeerMeetingID)
	switch event.Kind {
	case models.MeetingConnected:
		if event.StartTime == nil {
			return nil
		}
		err := c.events.insert(ctx, c.calendarID, &calendar.Event{
			Id:      id,
			Summary: "MeetMatch meeting",
			Description: fmt.Sprintf("Meetings %d and %d",
				min(event.MeetingID, event.PeerMeetingID), max(event.MeetingID, event.PeerMeetingID)),
			Start: &calendar.EventDateTime{DateTime: event.StartTime.Format(time.RFC3339)},
			End:   &calendar.EventDateTime{DateTime: event.StartTime.Add(interval.LongDuration).Format(time.RFC3339)},
		})
		if googleStatus(err) == http.StatusConflict {
			return nil
		}
		if err != nil {
			return fmt.Errorf("err inserting calendar event %s: %w", id, err)
		}
		c.log.Debugf("calendar event %s created", id)
	case models.MeetingDisconnected:
		err := c.events.delete(ctx, c.calendarID, id)
		switch googleStatus(err) {
		case http.StatusNotFound, http.StatusGone:
			return nil
		}
		if err != nil {
			return fmt.Errorf("err deleting calendar event %s: %w", id, err)
		}
		c.log.Debugf("calendar event %s deleted", id)
	}
	return nil
}

// eventID is stable for a pair regardless of side and uses only base32hex characters.
func eventID(meetingID, peerMeetingID int) string {
	return fmt.Sprintf("meet%dp%d", min(meetingID, peerMeetingID), max(meetingID, peerMeetingID))
}

func googleStatus(err error) int {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return 0
}

type googleEvents struct {
	srv *calendar.Service
}

func (g *googleEvents) insert(ctx context.Context, calendarID string, event *calendar.Event) error {
	_, err := g.srv.Events.Insert(calendarID, event).Context(ctx).Do()
	return err
}

func (g *googleEvents) delete(ctx context.Context, calendarID, eventID string) error {
	return g.srv.Events.Delete(calendarID, eventID).Context(ctx).Do()
}
