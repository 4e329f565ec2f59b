// Package store holds the persistence contracts shared by the matcher, the
// service and the worker, and an in-memory implementation of them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

// ErrConflict reports a transaction aborted by a concurrent writer. It is safe to retry.
var ErrConflict = errors.New("transaction conflict")

// Tx is the view of the store inside a single atomic transaction.
type Tx interface {
	GetMeeting(ctx context.Context, id int) (models.Meeting, error)
	CreateMeeting(ctx context.Context, meeting models.Meeting) (models.Meeting, error)
	// LinkMeeting sets the peer and start time of a seeking meeting that has
	// no peer. It reports false when the meeting was linked meanwhile.
	LinkMeeting(ctx context.Context, id, peerID int, startTime time.Time) (bool, error)
	// UnlinkMeeting clears the peer and start time of a meeting still linked
	// to peerID and moves it to status. It reports false otherwise.
	UnlinkMeeting(ctx context.Context, id, peerID int, status models.Status) (bool, error)
	// SetMeetingStatus moves a meeting from status from to status to and
	// reports false when its status is no longer from.
	SetMeetingStatus(ctx context.Context, id int, from, to models.Status) (bool, error)
	// DeleteMeeting removes a meeting whose peer is still peerID, nil for an
	// unlinked one. It reports false when the meeting is gone or was
	// linked or unlinked meanwhile.
	DeleteMeeting(ctx context.Context, id int, peerID *int) (bool, error)
}

// TxRunner runs fn in one transaction: committed when fn returns nil, rolled back otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
