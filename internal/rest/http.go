package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	log       *logrus.Entry
	app       App
	version   string
	publicKey *rsa.PublicKey
	server    *http.Server
}

// NewServer builds the API server. publicKeyPEM verifies RS256 bearer tokens.
func NewServer(log *logrus.Logger, app App, address, version string, publicKeyPEM []byte) (*Server, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("err parsing jwt public key: %w", err)
	}
	s := Server{
		log:       log.WithField("component", "rest"),
		app:       app,
		version:   version,
		publicKey: key,
	}
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequest)

	r.Get("/version", s.versionHandler)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", func(r chi.Router) {
			r.Post("/users", s.createUserHandler)
			r.Group(func(r chi.Router) {
				r.Use(s.jwtAuth)
				r.Get("/users/{id}", s.getUserHandler)
				r.Patch("/users/{id}", s.updateUserHandler)
				r.Route("/meetings", func(r chi.Router) {
					r.Get("/", s.getMeetingsHandler)
					r.Post("/", s.createOrUpdateMeetingHandler)
					r.Get("/{id}", s.getMeetingHandler)
					r.Delete("/{id}", s.deleteMeetingHandler)
					r.Post("/{id}/join", s.joinMeetingHandler)
					r.Patch("/{id}/status", s.updateMeetingStatusHandler)
				})
			})
		})
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("err serving http: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("err shutting down http server: %w", err)
	}
	return nil
}
