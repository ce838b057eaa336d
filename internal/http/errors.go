package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/example/parkpos/backend/internal/code"
	"github.com/example/parkpos/backend/internal/fee"
	"github.com/example/parkpos/backend/internal/models"
	"github.com/example/parkpos/backend/internal/service"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{fee.ErrUnknownVehicleType, http.StatusBadRequest, "UNKNOWN_VEHICLE_TYPE"},
	{code.ErrMalformedCode, http.StatusBadRequest, "MALFORMED_CODE"},
	{fee.ErrInvalidDuration, http.StatusUnprocessableEntity, "INVALID_DURATION"},
	{service.ErrTicketNotFound, http.StatusNotFound, "TICKET_NOT_FOUND"},
	{models.ErrAlreadyPaid, http.StatusConflict, "ALREADY_PAID"},
	{service.ErrDuplicateID, http.StatusInternalServerError, "DUPLICATE_ID"},
	{service.ErrStorageUnavailable, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
}

func writeError(c *gin.Context, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			message := err.Error()
			if m.status >= http.StatusInternalServerError {
				// store internals stay in the logs
				message = m.target.Error()
			}
			if m.status == http.StatusServiceUnavailable {
				c.Header("Retry-After", "1")
			}
			abortWithError(c, m.status, m.code, message)
			return
		}
	}
	abortWithError(c, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func abortWithError(c *gin.Context, status int, errCode, message string) {
	c.AbortWithStatusJSON(status, gin.H{"code": errCode, "error": message})
}
