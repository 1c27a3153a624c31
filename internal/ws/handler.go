// Package ws serves the live lobby connection: it streams lobby events to
// the player and accepts answer, start, advance and leave commands.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/hub"
	"github.com/DoyleJ11/nhie-backend/internal/presence"
	"github.com/DoyleJ11/nhie-backend/internal/room"
	"github.com/DoyleJ11/nhie-backend/internal/store"
	"github.com/DoyleJ11/nhie-backend/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 20 * time.Second
	outboxSize   = 16
)

type Deps struct {
	Hub      *hub.Hub
	Engine   *engine.Engine
	Presence *presence.Coordinator
	Logger   *zap.Logger
	// OriginPatterns is passed to websocket.Accept. Empty means same origin only.
	OriginPatterns []string
}

func Handler(d Deps) http.HandlerFunc {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		lobbyID := r.URL.Query().Get("lobby")
		userID := r.URL.Query().Get("user")
		if lobbyID == "" || userID == "" {
			http.Error(w, "missing lobby or user", http.StatusBadRequest)
			return
		}
		log := logger.With(zap.String("lobby_id", lobbyID), zap.String("user_id", userID))

		switch err := d.Presence.Connect(r.Context(), lobbyID, userID); {
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		case errors.Is(err, presence.ErrNotMember):
			http.Error(w, "not a member of this lobby", http.StatusForbidden)
			return
		case err != nil:
			http.Error(w, "connect failed", http.StatusInternalServerError)
			return
		}
		// the request context is gone by the time the socket closes
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()
			if err := d.Presence.Disconnect(ctx, lobbyID, userID); err != nil && !errors.Is(err, presence.ErrClosed) {
				log.Warn("disconnect failed", zap.Error(err))
			}
		}()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: d.OriginPatterns})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan room.Snapshot, outboxSize)
		clientID := uuid.NewString()
		rm, err := d.Hub.Join(r.Context(), lobbyID, clientID, out)
		if err != nil {
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		}
		defer rm.Send(room.Leave{ClientID: clientID})

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		replies := make(chan types.ServerMessage, 4)
		go writer(ctx, cancel, conn, out, replies, log)
		go keepalive(ctx, cancel, conn)

		c := &client{deps: d, lobbyID: lobbyID, userID: userID}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				reply(ctx, replies, types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}

			msg, leave := c.handle(ctx, cm)
			reply(ctx, replies, msg)
			if leave {
				return
			}
		}
	}
}

func reply(ctx context.Context, replies chan<- types.ServerMessage, msg types.ServerMessage) {
	select {
	case replies <- msg:
	case <-ctx.Done():
	}
}

// writer owns all writes to conn. A closed outbox means the room dropped us.
func writer(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan room.Snapshot, replies <-chan types.ServerMessage, log *zap.Logger) {
	defer cancel()
	for {
		var msg types.ServerMessage
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			ev := snap.Event
			msg = types.ServerMessage{Type: types.MsgEvent, Version: snap.Version, Event: &ev}
		case msg = <-replies:
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			log.Error("encode message", zap.Error(err))
			continue
		}
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err = conn.Write(wctx, websocket.MessageText, payload)
		wcancel()
		if err != nil {
			return
		}
	}
}

func keepalive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

type client struct {
	deps    Deps
	lobbyID string
	userID  string
}

// handle runs one command and reports whether the connection should end.
func (c *client) handle(ctx context.Context, cm types.ClientMessage) (types.ServerMessage, bool) {
	res := &types.Result{Command: cm.Type}
	switch cm.Type {
	case types.MsgAnswer:
		if cm.RoundID == "" || cm.Have == nil {
			return errorMsg("answer needs round_id and have"), false
		}
		r, err := c.deps.Engine.ApplyAnswer(ctx, cm.RoundID, c.userID, *cm.Have)
		if err != nil {
			return errorMsg("internal error"), false
		}
		res.OK = r.OK
		if !r.OK {
			res.Reason = "rejected"
		}

	case types.MsgAdvance:
		if cm.RoundID == "" {
			return errorMsg("advance needs round_id"), false
		}
		r, err := c.deps.Engine.Advance(ctx, cm.RoundID, c.userID)
		if err != nil {
			return errorMsg("internal error"), false
		}
		res.OK, res.Status, res.Reason = r.OK, string(r.Status), string(r.Reason)
		if r.Round != nil {
			res.Round = engine.ViewRound(*r.Round)
		}

	case types.MsgStart:
		r, err := c.deps.Engine.StartGame(ctx, c.lobbyID, c.userID)
		if err != nil {
			return errorMsg("internal error"), false
		}
		res.OK, res.Reason = r.OK, string(r.Reason)
		if r.Round != nil {
			res.Round = engine.ViewRound(*r.Round)
		}

	case types.MsgLeave:
		if err := c.deps.Presence.Leave(ctx, c.lobbyID, c.userID); err != nil {
			return errorMsg("leave failed"), false
		}
		res.OK = true
		return types.ServerMessage{Type: types.MsgResult, Result: res}, true

	default:
		return errorMsg("unknown type"), false
	}
	return types.ServerMessage{Type: types.MsgResult, Result: res}, false
}

func errorMsg(s string) types.ServerMessage {
	return types.ServerMessage{Type: types.MsgError, Error: s}
}
