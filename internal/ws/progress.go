package ws

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ratchetd/ratchet/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// the API sits behind the same origin checks as the rest of the surface
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ProgressHandler upgrades a client connection and streams hub updates for
// one execution until the terminal update, a client close, or a write error.
type ProgressHandler struct {
	hub *progress.Hub
}

func NewProgressHandler(hub *progress.Hub) *ProgressHandler {
	return &ProgressHandler{hub: hub}
}

// GET /executions/:uuid/progress
//
// Filter query params: min_progress_delta, max_frequency_ms, steps
// (comma-separated), include_data.
func (h *ProgressHandler) Stream(ctx *gin.Context) {
	executionUUID := ctx.Param("uuid")
	if executionUUID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid_input", "message": "execution uuid required"}})
		return
	}

	filter := filterFromQuery(ctx)

	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}

	sub := h.hub.Subscribe(executionUUID, filter, 32)

	go h.pump(conn, sub)
	go discardReads(conn, sub)
}

func (h *ProgressHandler) pump(conn *websocket.Conn, sub *progress.Subscription) {
	defer conn.Close()
	defer sub.Close()

	for u := range sub.C {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(u); err != nil {
			slog.Default().Debug("ws.write_failed", "execution", sub.ExecutionUUID, "err", err)
			return
		}
		if u.Terminal() {
			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
		time.Now().Add(time.Second))
}

// discardReads keeps the connection's read side drained so pings and the
// client close handshake are processed; a read error ends the subscription.
func discardReads(conn *websocket.Conn, sub *progress.Subscription) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			sub.Close()
			return
		}
	}
}

func filterFromQuery(ctx *gin.Context) progress.Filter {
	var f progress.Filter

	if v, err := strconv.ParseFloat(ctx.Query("min_progress_delta"), 64); err == nil && v > 0 {
		f.MinProgressDelta = v
	}
	if v, err := strconv.Atoi(ctx.Query("max_frequency_ms")); err == nil && v > 0 {
		f.MaxFrequency = time.Duration(v) * time.Millisecond
	}
	if v, err := strconv.ParseBool(ctx.Query("include_data")); err == nil {
		f.IncludeData = v
	}
	if steps := ctx.Query("steps"); steps != "" {
		for _, s := range strings.Split(steps, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.StepFilter = append(f.StepFilter, s)
			}
		}
	}
	return f
}
