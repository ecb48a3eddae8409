package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
)

// Server is the HTTP API server. It listens on a Unix socket and only
// serves peers running as the daemon's user.
type Server struct {
	httpServer *http.Server
	wsHandler  *WSHandler
	listener   net.Listener
	socketPath string
}

// NewServer creates the API server and binds socketPath. A stale socket
// left by a previous run is removed.
func NewServer(socketPath string, agent Agent, technologies TechnologySource) (*Server, error) {
	wsHandler := NewWSHandler(agent)
	mux := NewHandlers(agent, technologies).Routes(wsHandler.HandleWS)

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	httpServer := &http.Server{
		Handler:     requireUID(uint32(os.Getuid()), mux),
		ConnContext: connContext,
	}

	return &Server{
		httpServer: httpServer,
		wsHandler:  wsHandler,
		listener:   listener,
		socketPath: socketPath,
	}, nil
}

// Start serves the socket in the background.
func (s *Server) Start() error {
	go func() {
		err := s.httpServer.Serve(s.listener)
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server stopped", "error", err, "socket", s.socketPath)
		}
	}()
	slog.Debug("API listening", "socket", s.socketPath)
	return nil
}

// SocketPath returns the path of the listening socket.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Shutdown gracefully shuts down the server and closes open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHandler.CloseAll()
	err := s.httpServer.Shutdown(ctx)
	os.Remove(s.socketPath)
	return err
}
