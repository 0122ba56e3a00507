package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shouni/gemini-toonify-kit/pkg/wizard"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type eventMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      wizard.Snapshot `json:"data"`
	Time      int64           `json:"time"`
}

// Events はセッションの状態が変わるたびに Snapshot を WebSocket で送ります。
// 接続直後に現在の状態を1回送ります。
func (h *Handlers) Events(allowedOrigins []string) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || originAllowed(allowedOrigins, origin)
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		id, ctrl, ok := h.session(w, r)
		if !ok {
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade が応答を書き込み済み
			slog.WarnContext(r.Context(), "WebSocket へのアップグレードに失敗しました", "session_id", id, "error", err)
			return
		}
		defer conn.Close()

		updates, unsubscribe := ctrl.Subscribe()
		defer unsubscribe()

		slog.DebugContext(r.Context(), "イベント購読を開始しました", "session_id", id)
		done := make(chan struct{})
		go readPump(conn, done)
		writePump(conn, id, updates, done)
		slog.DebugContext(r.Context(), "イベント購読を終了しました", "session_id", id)
	}
}

// readPump はクライアントからの切断を検出するためだけに読み続けます。
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("WebSocket の読み込みが異常終了しました", "error", err)
			}
			return
		}
	}
}

// writePump はこの接続の唯一の書き込み役です。
func writePump(conn *websocket.Conn, sessionID string, updates <-chan wizard.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case snap, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// セッションが破棄された
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			msg := eventMessage{Type: "snapshot", SessionID: sessionID, Data: snap, Time: time.Now().Unix()}
			if err := conn.WriteJSON(msg); err != nil {
				slog.Debug("Snapshot の送信に失敗しました", "session_id", sessionID, "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
