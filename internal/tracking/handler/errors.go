package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/privacychain/internal/tracking/service"
)

// statusFor maps a coordinator outcome to an HTTP status.
var statusFor = map[string]int{
	"invalid":               http.StatusBadRequest,
	"not_found":             http.StatusNotFound,
	"nothing_to_unindex":    http.StatusNotFound,
	"duplicate_transaction": http.StatusConflict,
	"ledger_unavailable":    http.StatusServiceUnavailable,
	"partial_rectification": http.StatusBadGateway,
}

// writeError renders err as {"error", "code"}. Errors outside the coordinator
// taxonomy are logged and reported as a bare 500.
func (h *TrackingHandler) writeError(c *gin.Context, err error) {
	code := service.Outcome(err)
	status, known := statusFor[code]
	if !known {
		h.logger.Error("tracking request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
		return
	}

	body := gin.H{"error": err.Error(), "code": code}
	var perr *service.PartialRectificationError
	if errors.As(err, &perr) {
		body["locator"] = perr.Locator
		body["removed"] = perr.Removed
	}
	c.JSON(status, body)
}
