package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/config"
	"github.com/ratchetd/ratchet/internal/destinations"
)

type DestinationsHandler struct {
	dispatcher *destinations.Dispatcher
}

func NewDestinationsHandler(dispatcher *destinations.Dispatcher) *DestinationsHandler {
	return &DestinationsHandler{dispatcher: dispatcher}
}

type testDestinationsRequest struct {
	Destinations []destinations.Descriptor `json:"destinations" binding:"required,min=1,max=16"`
}

// POST /jobs/test-output-destinations exercises the rendering+connection
// path without an execution; failures are reported per destination, not as
// an HTTP error.
func (h *DestinationsHandler) Test(ctx *gin.Context) {
	var req testDestinationsRequest
	if !BindJSON(ctx, &req) {
		return
	}

	cctx, cancel := config.WithTimeout(30 * time.Second)
	defer cancel()

	results := h.dispatcher.Test(cctx, req.Destinations)
	ctx.JSON(http.StatusOK, gin.H{"results": results})
}
