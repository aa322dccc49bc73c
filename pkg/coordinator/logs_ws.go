package coordinator

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsCloseAuthFailed = 4401
	wsCloseNotFound   = 4404
	wsReceiveTimeout  = 500 * time.Millisecond
	wsPollLimit       = 200
)

// handleLogsWS upgrades the connection, authenticates from the
// X-Consumer-Key header sent during the upgrade request, and then runs a
// single-threaded cooperative loop: a short-timeout read for client-sent
// "offset=N" messages interleaved with a store poll, pushing any new chunks
// as a JSON frame. This avoids needing a pub/sub fan-out for the first
// version.
func (s *Server) handleLogsWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}

	header := r.Header.Get("X-Consumer-Key")
	if header == "" {
		conn, upErr := s.upgrader.Upgrade(w, r, nil)
		if upErr == nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(wsCloseAuthFailed, "missing X-Consumer-Key"),
				time.Now().Add(time.Second))
			_ = conn.Close()
		}
		return
	}
	consumer, aerr := s.verifyConsumerCredential(ctx, header)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if aerr != nil {
		closeWS(conn, wsCloseAuthFailed, aerr.Message)
		return
	}

	if _, aerr := s.lookupOwnedJob(ctx, id, consumer.ID); aerr != nil {
		closeWS(conn, wsCloseNotFound, aerr.Message)
		return
	}

	offset := 0
	for {
		conn.SetReadDeadline(time.Now().Add(wsReceiveTimeout))
		_, msg, err := conn.ReadMessage()
		if err == nil {
			if newOffset, ok := parseOffsetMessage(string(msg)); ok {
				offset = newOffset
			}
		} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return
		} else if !isTimeoutErr(err) {
			return
		}

		chunks, err := s.store.ListLogChunks(ctx, id, offset, wsPollLimit)
		if err != nil {
			return
		}
		if len(chunks) == 0 {
			continue
		}

		body := logsResponse(id, offset, chunks)
		if err := conn.WriteJSON(body); err != nil {
			return
		}
		offset = body.NextOffsetSeq
	}
}

func closeWS(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}

func parseOffsetMessage(msg string) (int, bool) {
	const prefix = "offset="
	if !strings.HasPrefix(msg, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(msg, prefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func isTimeoutErr(err error) bool {
	type timeoutErr interface{ Timeout() bool }
	te, ok := err.(timeoutErr)
	return ok && te.Timeout()
}
