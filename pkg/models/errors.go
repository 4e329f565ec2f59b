package models

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrMeetingNotFound = errors.New("meeting not found")
	ErrForbidden       = errors.New("meeting belongs to another user")

	ErrValidation          = errors.New("validation error")
	ErrAlreadyLinked       = errors.New("meeting is linked to a peer, cancel it first")
	ErrInsufficientOverlap = errors.New("no qualifying overlap with target meeting")
	ErrPeerAlreadyLinked   = errors.New("target meeting is already linked")
	ErrInternalMatch       = errors.New("cannot connect meetings")
	ErrInvalidTransition   = errors.New("invalid status transition")
)
