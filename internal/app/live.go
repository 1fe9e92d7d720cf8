package app

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"catalog/api/internal/catalog"
	"catalog/api/internal/feed"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
)

// liveEvent is sent once on connect and again for every published revision.
type liveEvent struct {
	ViewID   string      `json:"viewId,omitempty"`
	Revision uint64      `json:"revision"`
	State    feed.Status `json:"state"`
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	if strings.EqualFold(origin, s.corsOrigin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// serveLive streams index revisions of the shared catalog, or of one view
// when ?view= names a view the caller owns.
func (s *HTTPServer) serveLive(w http.ResponseWriter, r *http.Request, session Session) {
	viewID := r.URL.Query().Get("view")
	var (
		index  *catalog.Index
		status func() feed.Status
	)
	if viewID == "" {
		index, status = s.service.shared.Index(), s.service.FeedStatus
	} else {
		var err error
		if index, status, err = s.service.viewIndex(session, viewID); err != nil {
			s.fail(w, err)
			return
		}
	}

	revisions, stop := index.Watch()
	defer stop()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("live upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	liveConnections.Inc()
	defer liveConnections.Dec()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(revision uint64) error {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
		return conn.WriteJSON(liveEvent{ViewID: viewID, Revision: revision, State: status()})
	}

	if err := send(index.Snapshot().Revision()); err != nil {
		return
	}

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case revision, ok := <-revisions:
			if !ok {
				return
			}
			if err := send(revision); err != nil {
				s.log.Debug("live write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return
			}
		}
	}
}
