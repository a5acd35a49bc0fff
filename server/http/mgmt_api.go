package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/hackerbots/pto/state"
)

// SessionRetriever provides read access to the live bridge sessions.
type SessionRetriever interface {
	All() []*state.Session
}

// NewManagementAPI builds the management API server. It exposes read-only
// views of the live sessions and their mirrored rooms.
func NewManagementAPI(host, port string, sessionRetriever SessionRetriever, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		getSessionHandler(w, r, sessionRetriever)
	})
	mux.HandleFunc("GET /room", func(w http.ResponseWriter, r *http.Request) {
		getRoomHandler(w, r, sessionRetriever)
	})

	return &Server{
		server: http.Server{
			Addr:    net.JoinHostPort(host, port),
			Handler: mux,
		},
		logger: logger,
	}
}

type Server struct {
	server http.Server
	logger *slog.Logger
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("starting management API server", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("unable to start management API server: %w", err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func getSessionHandler(w http.ResponseWriter, _ *http.Request, sessionRetriever SessionRetriever) {
	w.Header().Set("Content-Type", "application/json")

	all := sessionRetriever.All()
	out := activeSessions{
		Count:    len(all),
		Sessions: make([]sessionHandle, len(all)),
	}
	for i, s := range all {
		out.Sessions[i] = sessionHandle{
			ID:         s.ID(),
			Nick:       s.Nick(),
			UserID:     s.LocalUser().String(),
			RemoteAddr: s.RemoteAddr(),
			RoomCount:  len(s.Rooms()),
		}
	}

	json.NewEncoder(w).Encode(out)
}

func getRoomHandler(w http.ResponseWriter, _ *http.Request, sessionRetriever SessionRetriever) {
	w.Header().Set("Content-Type", "application/json")

	out := roomList{Rooms: []roomHandle{}}
	for _, s := range sessionRetriever.All() {
		for _, room := range s.Rooms() {
			out.Rooms = append(out.Rooms, roomHandle{
				SessionID:   s.ID(),
				RoomID:      room.ID().String(),
				LineName:    room.LineName(),
				Direct:      room.IsDirect(),
				MemberCount: room.MemberCount(),
				PendingSync: room.PendingSync(),
			})
		}
	}

	json.NewEncoder(w).Encode(out)
}
