package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// RevisionFrame is sent to watchers on connect and after every accepted
// write. It carries no state; clients fetch the snapshot themselves.
type RevisionFrame struct {
	Scope    string `json:"scope"`
	Revision int64  `json:"revision"`
}

func (s *Server) handleWatchState(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	// Subscribe before reading so no accepted write falls in between.
	revisions, cancel, err := s.store.Subscribe(scope)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	defer cancel()
	current, err := s.store.Read(r.Context(), scope)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.WatchOriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		s.logger.Warn().Err(err).Str("scope", scope).Msg("watch upgrade failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	if err := s.sendRevision(ctx, conn, scope, current.Revision); err != nil {
		return
	}

	ping := time.NewTicker(s.cfg.WatchPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case revision, ok := <-revisions:
			if !ok {
				return
			}
			if err := s.sendRevision(ctx, conn, scope, revision); err != nil {
				return
			}
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, s.cfg.WatchPingInterval)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				s.logger.Debug().Err(err).Str("scope", scope).Msg("watcher went away")
				return
			}
		}
	}
}

func (s *Server) sendRevision(ctx context.Context, conn *websocket.Conn, scope string, revision int64) error {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, conn, RevisionFrame{Scope: scope, Revision: revision})
}
