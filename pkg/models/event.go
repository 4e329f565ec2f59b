package models

import (
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	MeetingConnected    EventKind = "meeting-connected"
	MeetingDisconnected EventKind = "meeting-disconnected"
	MeetingFinished     EventKind = "meeting-finished"
	MeetingReminder     EventKind = "meeting-reminder"
)

// Event is addressed to the owner of MeetingID.
type Event struct {
	ID            uuid.UUID  `json:"id"`
	Kind          EventKind  `json:"kind"`
	MeetingID     int        `json:"meetingId"`
	UserID        int        `json:"userId"`
	PeerMeetingID int        `json:"peerMeetingId"`
	PeerUserID    int        `json:"peerUserId"`
	PeerName      string     `json:"peerName"`
	StartTime     *time.Time `json:"startTime,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func NewEvent(kind EventKind, meeting Meeting, peer Meeting, peerUser User) Event {
	return Event{
		ID:            uuid.New(),
		Kind:          kind,
		MeetingID:     meeting.ID,
		UserID:        meeting.OwnerID,
		PeerMeetingID: peer.ID,
		PeerUserID:    peer.OwnerID,
		PeerName:      peerUser.FirstName,
		StartTime:     meeting.StartTime,
		CreatedAt:     time.Now().UTC(),
	}
}
