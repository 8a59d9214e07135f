// Package server implements the PBX line-protocol TCP listener: the
// accept loop and per-connection command parsing. Graceful shutdown is
// driven by the registry, not by this package: pbxregistry.PBX.Shutdown
// closes every registered TU's socket and waits for it to unregister;
// Server.StopAccepting only stops the accept loop from taking new
// connections.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pbxsim/pbx/internal/metrics"
	"github.com/pbxsim/pbx/internal/pbxregistry"
	"github.com/pbxsim/pbx/internal/tu"
)

// Server accepts client TCP connections and drives each one through the
// line protocol against a shared PBX registry.
type Server struct {
	addr     string
	pbx      *pbxregistry.PBX
	recorder *metrics.Collector
	logger   *slog.Logger
	limiter  *rate.Limiter

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server listening on addr. acceptRate and acceptBurst
// bound the rate at which new connections are accepted, guarding the
// exchange against a connection flood; a rate of 0 disables limiting.
func New(addr string, pbx *pbxregistry.PBX, recorder *metrics.Collector, logger *slog.Logger, acceptRate float64, acceptBurst int) *Server {
	var limiter *rate.Limiter
	if acceptRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(acceptRate), acceptBurst)
	}
	return &Server{
		addr:     addr,
		pbx:      pbx,
		recorder: recorder,
		logger:   logger,
		limiter:  limiter,
	}
}

// Start begins listening and accepting connections. It returns once the
// listener is established; the accept loop runs in the background until
// ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("pbx listener starting", "addr", s.addr)

	// Closing the listener is what unblocks a pending Accept once ctx
	// is cancelled.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// StopAccepting cancels the accept loop's context and closes the
// listener so no further connections are accepted. It does not wait
// for already-accepted connections to finish, and never closes one —
// that is pbxregistry.PBX.Shutdown's job. Call this before
// PBX.Shutdown during a graceful shutdown, so no new TU can register
// while the registry is draining.
func (s *Server) StopAccepting() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// Stop calls StopAccepting, then waits for the accept loop and every
// in-flight serve goroutine to finish. Callers performing a graceful
// shutdown should call pbxregistry.PBX.Shutdown between StopAccepting
// and Stop (or Wait): Stop never itself closes an already-accepted
// connection, so without the registry closing those sockets first it
// would block forever on any live call.
func (s *Server) Stop() {
	s.StopAccepting()
	s.Wait()
}

// Wait blocks until the accept loop and every in-flight serve
// goroutine have finished, without itself stopping anything. Used
// after StopAccepting and pbxregistry.PBX.Shutdown have already run.
func (s *Server) Wait() {
	s.wg.Wait()
	s.logger.Info("pbx listener stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}

		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// serve owns one client connection end to end: registration,
// command dispatch, and unregistration on exit.
func (s *Server) serve(conn net.Conn) {
	traceID := uuid.NewString()
	logger := s.logger.With("trace_id", traceID, "remote_addr", conn.RemoteAddr().String())

	t := tu.New(conn, logger, s.recorder)
	ext, err := s.pbx.Register(t)
	if err != nil {
		logger.Warn("registration refused", "error", err)
		_ = conn.Close()
		return
	}
	logger = logger.With("extension", ext)

	defer func() {
		if err := s.pbx.Unregister(t); err != nil {
			logger.Debug("unregister on disconnect", "error", err)
		}
		_ = conn.Close()
	}()

	c := newConnection(conn, t, s.pbx, logger)
	c.run()
}
