package rest

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/pershin-daniil/MeetMatch/pkg/matcher"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
	"github.com/pershin-daniil/MeetMatch/pkg/notifier"
	"github.com/pershin-daniil/MeetMatch/pkg/service"
	"github.com/pershin-daniil/MeetMatch/pkg/store"
)

const version = "test"

var testNow = time.Date(2030, 5, 6, 8, 0, 0, 0, time.UTC)

type RestTestSuite struct {
	suite.Suite
	privateKey *rsa.PrivateKey
	server     *httptest.Server
	ivan       models.User
	maria      models.User
}

func TestRestTestSuite(t *testing.T) {
	suite.Run(t, new(RestTestSuite))
}

func (s *RestTestSuite) SetupTest() {
	var err error
	s.privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
	s.Require().NoError(err)
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	s.Require().NoError(err)
	publicKeyPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	log := logrus.New()
	log.SetOutput(io.Discard)
	st := store.NewMemory()
	dummy := notifier.NewDummyNotifier(log)
	m := matcher.New(log, st, dummy, matcher.WithClock(func() time.Time { return testNow }))
	app := service.NewScheduleService(log, st, m, dummy)

	srv, err := NewServer(log, app, ":0", version, publicKeyPEM)
	s.Require().NoError(err)
	s.server = httptest.NewServer(srv.routes())

	s.ivan = s.createUser("Ivan")
	s.maria = s.createUser("Maria")
}

func (s *RestTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *RestTestSuite) token(userID int) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, models.Claims{UserID: userID}).SignedString(s.privateKey)
	s.Require().NoError(err)
	return token
}

func (s *RestTestSuite) do(method, path string, userID int, body, dest any) int {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if userID != 0 {
		req.Header.Set("Authorization", "Bearer "+s.token(userID))
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	if dest != nil {
		s.Require().NoError(json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp.StatusCode
}

func (s *RestTestSuite) createUser(name string) models.User {
	var user models.User
	status := s.do(http.MethodPost, "/api/v1/users", 0, models.UserRequest{FirstName: &name}, &user)
	s.Require().Equal(http.StatusCreated, status)
	return user
}

func (s *RestTestSuite) meetingRequest(slots ...time.Time) map[string]any {
	return map[string]any{
		"groupId":            1,
		"timeSlots":          slots,
		"minDurationMinutes": 30,
	}
}

func slot(hour, minute int) time.Time {
	return time.Date(2030, 5, 6, hour, minute, 0, 0, time.UTC)
}

func (s *RestTestSuite) TestVersion() {
	resp, err := http.Get(s.server.URL + "/version")
	s.Require().NoError(err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Equal(version+"\n", string(body))
}

func (s *RestTestSuite) TestUnauthorized() {
	var resp ErrorResponse
	status := s.do(http.MethodGet, "/api/v1/meetings", 0, nil, &resp)
	s.Equal(http.StatusUnauthorized, status)
	s.Equal(ErrUnauthorised.Error(), resp.Error)

	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/api/v1/meetings", nil)
	s.Require().NoError(err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	r, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	r.Body.Close()
	s.Equal(http.StatusUnauthorized, r.StatusCode)
}

func (s *RestTestSuite) TestUsers() {
	var user models.User
	s.Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/api/v1/users/%d", s.maria.ID), s.ivan.ID, nil, &user))
	s.Equal("Maria", user.FirstName)

	s.Equal(http.StatusNotFound, s.do(http.MethodGet, "/api/v1/users/404", s.ivan.ID, nil, nil))
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/api/v1/users/abc", s.ivan.ID, nil, nil))

	gender := models.GenderMale
	s.Equal(http.StatusOK, s.do(http.MethodPatch, fmt.Sprintf("/api/v1/users/%d", s.ivan.ID), s.ivan.ID,
		models.UserRequest{Gender: &gender}, &user))
	s.Equal(models.GenderMale, user.Gender)

	s.Equal(http.StatusForbidden, s.do(http.MethodPatch, fmt.Sprintf("/api/v1/users/%d", s.maria.ID), s.ivan.ID,
		models.UserRequest{Gender: &gender}, nil))

	empty := ""
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/users", 0, models.UserRequest{FirstName: &empty}, nil))
}

func (s *RestTestSuite) TestMeetingLifecycle() {
	var a, b models.Meeting
	s.Require().Equal(http.StatusCreated,
		s.do(http.MethodPost, "/api/v1/meetings", s.ivan.ID, s.meetingRequest(slot(10, 0), slot(10, 30)), &a))
	s.Equal(models.StatusSeeking, a.Status)

	s.Require().Equal(http.StatusCreated,
		s.do(http.MethodPost, "/api/v1/meetings", s.maria.ID, s.meetingRequest(slot(10, 0), slot(10, 30)), &b))
	s.Equal(models.StatusFound, b.Status)
	s.Require().NotNil(b.PeerMeetingID)
	s.Equal(a.ID, *b.PeerMeetingID)
	s.Require().NotNil(b.StartTime)
	s.True(b.StartTime.Equal(slot(10, 0)))

	var got models.Meeting
	s.Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/api/v1/meetings/%d", a.ID), s.maria.ID, nil, &got))
	s.Equal(models.StatusFound, got.Status)

	var own []models.Meeting
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/api/v1/meetings", s.ivan.ID, nil, &own))
	s.Require().Len(own, 1)
	s.Equal(a.ID, own[0].ID)

	update := s.meetingRequest(slot(12, 0))
	update["id"] = a.ID
	s.Equal(http.StatusConflict, s.do(http.MethodPost, "/api/v1/meetings", s.ivan.ID, update, nil))

	path := fmt.Sprintf("/api/v1/meetings/%d/status", a.ID)
	s.Equal(http.StatusForbidden, s.do(http.MethodPatch, path, s.maria.ID, StatusRequest{Status: models.StatusCalled}, nil))
	s.Equal(http.StatusOK, s.do(http.MethodPatch, path, s.ivan.ID, StatusRequest{Status: models.StatusCalled}, &got))
	s.Equal(models.StatusCalled, got.Status)
	s.Equal(http.StatusConflict, s.do(http.MethodPatch, path, s.ivan.ID, StatusRequest{Status: models.StatusSeeking}, nil))
	s.Equal(http.StatusBadRequest, s.do(http.MethodPatch, path, s.ivan.ID, StatusRequest{Status: "lost"}, nil))

	s.Equal(http.StatusOK, s.do(http.MethodPatch, path, s.ivan.ID, StatusRequest{Status: models.StatusCancelled}, &got))
	s.Equal(models.StatusCancelled, got.Status)
	s.Nil(got.PeerMeetingID)

	s.Equal(http.StatusOK, s.do(http.MethodGet, fmt.Sprintf("/api/v1/meetings/%d", b.ID), s.maria.ID, nil, &got))
	s.Equal(models.StatusSeeking, got.Status)
	s.Nil(got.PeerMeetingID)

	s.Equal(http.StatusOK, s.do(http.MethodDelete, fmt.Sprintf("/api/v1/meetings/%d", b.ID), s.maria.ID, nil, &got))
	s.Equal(b.ID, got.ID)
	s.Equal(http.StatusNotFound, s.do(http.MethodGet, fmt.Sprintf("/api/v1/meetings/%d", b.ID), s.maria.ID, nil, nil))
}

func (s *RestTestSuite) TestCreateMeetingValidation() {
	var resp ErrorResponse
	req := s.meetingRequest(slot(10, 0))
	req["minDurationMinutes"] = 0
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/meetings", s.ivan.ID, req, &resp))
	s.NotEmpty(resp.Error)

	r, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/v1/meetings", bytes.NewBufferString("{"))
	s.Require().NoError(err)
	r.Header.Set("Authorization", "Bearer "+s.token(s.ivan.ID))
	httpResp, err := http.DefaultClient.Do(r)
	s.Require().NoError(err)
	httpResp.Body.Close()
	s.Equal(http.StatusBadRequest, httpResp.StatusCode)

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/api/v1/meetings", 404, s.meetingRequest(slot(10, 0)), nil))
}

func (s *RestTestSuite) TestJoinMeeting() {
	var target models.Meeting
	s.Require().Equal(http.StatusCreated,
		s.do(http.MethodPost, "/api/v1/meetings", s.ivan.ID, s.meetingRequest(slot(14, 0)), &target))
	path := fmt.Sprintf("/api/v1/meetings/%d/join", target.ID)

	s.Equal(http.StatusUnprocessableEntity,
		s.do(http.MethodPost, path, s.maria.ID, s.meetingRequest(slot(18, 0)), nil))
	s.Equal(http.StatusBadRequest,
		s.do(http.MethodPost, path, s.ivan.ID, s.meetingRequest(slot(14, 0)), nil))

	var joined models.Meeting
	s.Require().Equal(http.StatusCreated,
		s.do(http.MethodPost, path, s.maria.ID, s.meetingRequest(slot(14, 0)), &joined))
	s.Equal(models.StatusFound, joined.Status)
	s.Require().NotNil(joined.PeerMeetingID)
	s.Equal(target.ID, *joined.PeerMeetingID)

	petr := s.createUser("Petr")
	s.Equal(http.StatusConflict, s.do(http.MethodPost, path, petr.ID, s.meetingRequest(slot(14, 0)), nil))
	s.Equal(http.StatusNotFound,
		s.do(http.MethodPost, "/api/v1/meetings/404/join", petr.ID, s.meetingRequest(slot(14, 0)), nil))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad", models.ErrValidation), http.StatusBadRequest},
		{models.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", models.ErrMeetingNotFound), http.StatusNotFound},
		{models.ErrUserNotFound, http.StatusNotFound},
		{models.ErrAlreadyLinked, http.StatusConflict},
		{models.ErrPeerAlreadyLinked, http.StatusConflict},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrInsufficientOverlap, http.StatusUnprocessableEntity},
		{models.ErrInternalMatch, http.StatusServiceUnavailable},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestNewServerRejectsBadKey(t *testing.T) {
	_, err := NewServer(logrus.New(), nil, ":0", version, []byte("not a pem"))
	require.Error(t, err)
}
