package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type App interface {
	CreateUser(ctx context.Context, req models.UserRequest) (models.User, error)
	GetUser(ctx context.Context, id int) (models.User, error)
	UpdateUser(ctx context.Context, id int, req models.UserRequest) (models.User, error)

	CreateOrUpdateMeeting(ctx context.Context, ownerID int, req models.MeetingRequest) (models.Meeting, error)
	JoinMeeting(ctx context.Context, ownerID, targetID int, req models.MeetingRequest) (models.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, ownerID, id int, status models.Status) (models.Meeting, error)
	DeleteMeeting(ctx context.Context, ownerID, id int) (models.Meeting, error)
	GetMeeting(ctx context.Context, id int) (models.Meeting, error)
	GetMeetings(ctx context.Context, ownerID int) ([]models.Meeting, error)
}

var errInternal = errors.New("internal error")

type StatusRequest struct {
	Status models.Status `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) versionHandler(w http.ResponseWriter, _ *http.Request) {
	_, err := fmt.Fprintf(w, "%s\n", s.version)
	if err != nil {
		s.log.Warnf("err during writing to connection: %v", err)
	}
}

func (s *Server) createUserHandler(w http.ResponseWriter, r *http.Request) {
	var req models.UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.app.CreateUser(r.Context(), req)
	if err != nil {
		s.writeError(w, "creating user", err)
		return
	}
	s.writeResponse(w, http.StatusCreated, user)
}

func (s *Server) getUserHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.app.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, "getting user", err)
		return
	}
	s.writeResponse(w, http.StatusOK, user)
}

func (s *Server) updateUserHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	if id != s.getClaims(r.Context()).UserID {
		s.writeResponse(w, http.StatusForbidden, errors.New("cannot update another user"))
		return
	}
	var req models.UserRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	user, err := s.app.UpdateUser(r.Context(), id, req)
	if err != nil {
		s.writeError(w, "updating user", err)
		return
	}
	s.writeResponse(w, http.StatusOK, user)
}

func (s *Server) getMeetingsHandler(w http.ResponseWriter, r *http.Request) {
	meetings, err := s.app.GetMeetings(r.Context(), s.getClaims(r.Context()).UserID)
	if err != nil {
		s.writeError(w, "getting meetings", err)
		return
	}
	s.writeResponse(w, http.StatusOK, meetings)
}

func (s *Server) createOrUpdateMeetingHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MeetingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	meeting, err := s.app.CreateOrUpdateMeeting(r.Context(), s.getClaims(r.Context()).UserID, req)
	if err != nil {
		s.writeError(w, "saving meeting", err)
		return
	}
	status := http.StatusOK
	if req.ID == nil {
		status = http.StatusCreated
	}
	s.writeResponse(w, status, meeting)
}

func (s *Server) getMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	meeting, err := s.app.GetMeeting(r.Context(), id)
	if err != nil {
		s.writeError(w, "getting meeting", err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) joinMeetingHandler(w http.ResponseWriter, r *http.Request) {
	targetID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	var req models.MeetingRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	meeting, err := s.app.JoinMeeting(r.Context(), s.getClaims(r.Context()).UserID, targetID, req)
	if err != nil {
		s.writeError(w, "joining meeting", err)
		return
	}
	s.writeResponse(w, http.StatusCreated, meeting)
}

func (s *Server) updateMeetingStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	var req StatusRequest
	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	meeting, err := s.app.UpdateMeetingStatus(r.Context(), s.getClaims(r.Context()).UserID, id, req.Status)
	if err != nil {
		s.writeError(w, "updating meeting status", err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) deleteMeetingHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		s.writeResponse(w, http.StatusBadRequest, err)
		return
	}
	meeting, err := s.app.DeleteMeeting(r.Context(), s.getClaims(r.Context()).UserID, id)
	if err != nil {
		s.writeError(w, "deleting meeting", err)
		return
	}
	s.writeResponse(w, http.StatusOK, meeting)
}

func (s *Server) writeError(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Warnf("err during %s: %v", action, err)
		s.writeResponse(w, status, errInternal)
		return
	}
	s.writeResponse(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrUserNotFound), errors.Is(err, models.ErrMeetingNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyLinked),
		errors.Is(err, models.ErrPeerAlreadyLinked),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientOverlap):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInternalMatch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if x, ok := data.(error); ok {
		if err := json.NewEncoder(w).Encode(ErrorResponse{Error: x.Error()}); err != nil {
			s.log.Warnf("err during encoding error: %v", err)
		}
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnf("err during encoding responce: %v", err)
	}
}
