package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nous-labs/huddle/pkg/broadcast"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 64 << 10
)

// clientFrame is what a websocket client sends.
type clientFrame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ClientID string `json:"client_id"`
}

// handleWebSocket streams a room's frames to one member and accepts messages
// from it. With ?after=<seq> the history after that sequence number is
// replayed first, so a reconnecting client closes its gap.
func (d *Daemon) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID, ok := d.requireMember(w, r, "")
	if !ok {
		return
	}
	user := userOf(r, "")
	after, err := queryInt(r, "after")
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "room", roomID, "error", err)
		return
	}
	defer conn.Close()

	// Subscribe before replaying so nothing falls between the two
	sub := d.gateway.Subscribe(roomID, uuid.NewString())
	defer d.gateway.Unsubscribe(sub)
	slog.Info("websocket connected", "room", roomID, "user", user, "conn", sub.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	direct := make(chan broadcast.Frame, 8)
	go d.readClient(ctx, cancel, conn, roomID, user, direct)

	var lastSeq int64
	if r.URL.Query().Has("after") {
		lastSeq = d.replay(ctx, conn, roomID, after)
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseNormalClosure, "")
			return
		case f, ok := <-sub.Frames():
			if !ok {
				// Evicted or shutting down; the client reconnects with ?after=
				writeClose(conn, websocket.CloseTryAgainLater, "stream interrupted, reconnect")
				slog.Info("websocket subscription closed", "room", roomID, "conn", sub.ID)
				return
			}
			if f.Message != nil && f.Message.Seq <= lastSeq {
				continue
			}
			if err := writeFrame(conn, f); err != nil {
				slog.Debug("websocket write failed", "conn", sub.ID, "error", err)
				return
			}
		case f := <-direct:
			if err := writeFrame(conn, f); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay writes the room history after seq and returns the last sequence
// number sent.
func (d *Daemon) replay(ctx context.Context, conn *websocket.Conn, roomID string, seq int64) int64 {
	for {
		msgs, err := d.store.History(ctx, roomID, seq, 200)
		if err != nil {
			slog.Warn("websocket replay failed", "room", roomID, "error", err)
			return seq
		}
		for i := range msgs {
			f := broadcast.Frame{Type: broadcast.FrameMessage, RoomID: roomID, Message: &msgs[i]}
			if err := writeFrame(conn, f); err != nil {
				return seq
			}
			seq = msgs[i].Seq
		}
		if len(msgs) < 200 {
			return seq
		}
	}
}

// readClient feeds client frames into the pipeline until the connection
// fails, then cancels the connection context.
func (d *Daemon) readClient(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, roomID, user string, direct chan<- broadcast.Frame) {
	defer cancel()

	conn.SetReadLimit(wsMaxMessage)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cf clientFrame
		if err := conn.ReadJSON(&cf); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "room", roomID, "user", user, "error", err)
			}
			return
		}

		var problem string
		switch {
		case cf.Type != broadcast.FrameMessage:
			problem = "unknown frame type " + cf.Type
		case strings.TrimSpace(cf.Content) == "":
			problem = "message content is empty"
		default:
			// The message frame itself arrives through the broadcast
			_, _, err := d.Submit(ctx, Submission{
				RoomID:   roomID,
				UserID:   user,
				Content:  cf.Content,
				ClientID: cf.ClientID,
			})
			if err != nil {
				problem = err.Error()
			}
		}
		if problem == "" {
			continue
		}
		select {
		case direct <- broadcast.Frame{Type: broadcast.FrameError, RoomID: roomID, Text: problem}:
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, f broadcast.Frame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, f.Marshal())
}

func writeClose(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wsWriteWait))
}
