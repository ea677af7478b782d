// Package statusd serves a small read-only, token-authenticated HTTP
// endpoint exposing the current run's phase, plan, and snapshot name,
// for operators running this under a supervisor. Grounded directly on
// the teacher's http.HTTP / authenticated() token-check shape
// (vansante-go-zfsutils http/http.go), adapted from a full ZFS-over-HTTP
// API down to a single read-only status route.
package statusd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	eventemitter "github.com/vansante/go-event-emitter"

	"github.com/tjhop/zfs-pbs-backup/internal/runctl"
)

const AuthenticationTokenHeader = "X-Backup-Auth-Token"

// StatusProvider is the subset of *runctl.Controller statusd depends on.
type StatusProvider interface {
	Status() runctl.Status
}

// Server is the status HTTP server.
type Server struct {
	router *httprouter.Router
	token  string
	ctrl   StatusProvider
	logger *logrus.Entry

	socket net.Listener
	http   *http.Server
}

// NewServer creates a status server bound to addr (host:port), guarded
// by token. An empty token makes /status refuse every request with 503
// (no token can ever match); /healthz stays unauthenticated. cmd/run.go
// starts the server whenever a status address is set, whether or not a
// token is configured.
func NewServer(addr, token string, ctrl StatusProvider, events *eventemitter.Emitter, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		router: httprouter.New(),
		token:  token,
		ctrl:   ctrl,
		logger: logger,
	}
	s.registerRoutes()

	if events != nil {
		events.AddListener(runctl.PhaseChangedEvent, func(args ...interface{}) {
			if len(args) > 0 {
				s.logger.WithField("phase", args[0]).Info("statusd.phaseChanged: Run entered phase")
			}
		})
		events.AddListener(runctl.BackupCompletedEvent, func(args ...interface{}) {
			s.logger.Info("statusd.backupCompleted: Backup finished")
		})
	}

	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/status", s.authenticated(s.handleStatus))
	s.router.GET("/healthz", s.handleHealthz)
}

// ListenAndServe opens the listening socket and serves until ctx is
// cancelled or Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	socket, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		s.logger.WithError(err).Errorf("statusd.ListenAndServe: Failed to open socket on %s", s.http.Addr)
		return fmt.Errorf("statusd.ListenAndServe: %w", err)
	}
	s.socket = socket
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Infof("statusd.ListenAndServe: Serving on %s", s.http.Addr)
	err = s.http.Serve(socket)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type handle func(http.ResponseWriter, *http.Request, httprouter.Params, *logrus.Entry)

// authenticated mirrors the teacher's token-check wrapper: a request
// missing or presenting the wrong token never reaches the handler.
func (s *Server) authenticated(h handle) httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		logger := s.logger.WithFields(logrus.Fields{
			"URL":    req.URL.String(),
			"method": req.Method,
		})

		if s.token == "" {
			logger.Warn("statusd.authenticated: No status token configured, refusing request")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		authToken := req.Header.Get(AuthenticationTokenHeader)
		if authToken != s.token {
			logger.Info("statusd.authenticated: Invalid authentication")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		h(w, req, ps, logger)
	}
}
