package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"telehealth-rtc/internal/apperr"
	"telehealth-rtc/internal/audit"
	"telehealth-rtc/internal/reporting"
	"telehealth-rtc/pkg/logger"

	"github.com/gin-gonic/gin"
)

var statusByKind = map[apperr.Kind]int{
	apperr.KindValidation:     http.StatusBadRequest,
	apperr.KindAuthorization:  http.StatusForbidden,
	apperr.KindStateConflict:  http.StatusConflict,
	apperr.KindNotFound:       http.StatusNotFound,
	apperr.KindInfrastructure: http.StatusInternalServerError,
}

// fail writes err as JSON. Authorization failures are also appended to the
// audit trail; internal errors never leak their cause.
func (h Handlers) fail(c *gin.Context, err error) {
	if errors.Is(err, reporting.ErrInvalidRequest) {
		err = apperr.Invalid("invalid time range")
	}
	ae := apperr.As(err)
	status, ok := statusByKind[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	log := logger.FromGin(c)
	switch ae.Kind {
	case apperr.KindAuthorization:
		uid, role := identity(c)
		log.Warn("http: denied", "path", c.FullPath(), "code", ae.Code, "user_id", uid, "role", role)
		if h.Audit != nil {
			d := audit.Denial{
				UserID: uid, Role: role, IP: c.ClientIP(),
				Action: c.Request.Method + " " + c.FullPath(), Code: ae.Code, Message: ae.Message,
			}
			if strings.HasPrefix(c.FullPath(), "/v1/calls/") {
				d.CallID = c.Param("id")
			} else {
				d.ConversationID = c.Param("id")
			}
			aerr := h.Audit.LogDenied(c.Request.Context(), d)
			if aerr != nil {
				log.Warn("http: audit append failed", "err", aerr)
			}
		}
	case apperr.KindInfrastructure:
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": ae.Message, "code": ae.Code, "kind": string(ae.Kind)})
}
