package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/internal/present"
)

// liveEnd is the last frame of a feed, sent once the subscription stops.
type liveEnd struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// handleLive upgrades to a websocket and streams every update of one entity,
// or of a whole collection when no key is given. Client messages are ignored
// apart from close.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindOf(w, r)
	if !ok {
		return
	}

	key, single := mux.Vars(r)["key"]

	ctx := r.Context()
	var sub *twinstore.Subscription
	var err error
	if single {
		sub, err = s.store.SubscribeLive(ctx, kind, key)
	} else {
		sub, err = s.store.SubscribeCollection(ctx, kind)
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered the client
		s.lg.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case u, open := <-sub.Updates():
			if !open {
				s.finish(conn, sub)
				return
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(present.NewUpdate(u)); err != nil {
				s.lg.Debug().Err(err).Str("path", sub.Path().String()).Msg("live feed write failed")
				return
			}
		}
	}
}

func (s *Server) finish(conn *websocket.Conn, sub *twinstore.Subscription) {
	end := liveEnd{State: sub.State().String()}
	if err := sub.Err(); err != nil {
		end.Error = err.Error()
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(end)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, end.State))
}
