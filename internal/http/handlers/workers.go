package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/pool"
	"github.com/ratchetd/ratchet/internal/ratelimit"
)

type WorkersHandler struct {
	pool       *pool.Pool
	dispatcher *ratelimit.Dispatcher
}

func NewWorkersHandler(p *pool.Pool, d *ratelimit.Dispatcher) *WorkersHandler {
	return &WorkersHandler{pool: p, dispatcher: d}
}

// GET /workers
func (h *WorkersHandler) Stats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"workers": h.pool.Stats()})
}

// GET /rate-limits/:operation reports the quota window of the key named by
// the required key query parameter.
func (h *WorkersHandler) RateLimitStatus(ctx *gin.Context) {
	operation := ctx.Param("operation")
	key := ctx.Query("key")
	if key == "" {
		RespondBadRequest(ctx, "key query parameter is required", nil)
		return
	}

	status, ok := h.dispatcher.Status(operation, key)
	if !ok {
		ctx.JSON(http.StatusOK, gin.H{"operation": operation, "limited": false})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"operation": operation, "limited": true, "status": status})
}
