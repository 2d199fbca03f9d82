// Package handler implements the REST surface: gin handlers, the auth and
// rate-limit middleware chain, and the response envelope shared by every
// endpoint.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/model"
)

// listMeta is the pagination block attached to list responses.
type listMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// respondData writes the standard success envelope.
func respondData(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"data": data})
}

// respondList writes a success envelope with pagination meta.
func respondList(c *gin.Context, data any, limit, offset, total int) {
	c.JSON(http.StatusOK, gin.H{
		"data": data,
		"meta": listMeta{Limit: limit, Offset: offset, Total: total},
	})
}

// respondDispatch writes either the executed record or the 202 approval
// interception envelope.
func respondDispatch(c *gin.Context, res *actions.Result) {
	if res.Intercepted() {
		c.JSON(http.StatusAccepted, gin.H{
			"status":              "approval_required",
			"approval_request_id": res.Approval.ID.String(),
			"message":             "write intercepted; awaiting reviewer approval",
		})
		return
	}
	respondData(c, res.Record)
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(code model.Code) int {
	switch code {
	case model.CodeMissingAuth, model.CodeInvalidAuth:
		return http.StatusUnauthorized
	case model.CodeForbidden, model.CodeEnrollmentRequired:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidInput:
		return http.StatusBadRequest
	case model.CodeConflict:
		return http.StatusConflict
	case model.CodeRateLimited:
		return http.StatusTooManyRequests
	case model.CodeApprovalRequired:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes the error envelope. Anything that is not a *model.Error
// is collapsed to an opaque INTERNAL so store details never leak.
func respondErr(c *gin.Context, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		me = model.ErrInternal()
	}

	// Rate limiting has its own top-level envelope shape.
	if me.Code == model.CodeRateLimited {
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"status":  "rate_limited",
			"message": me.Message,
		})
		return
	}

	body := gin.H{"code": me.Code, "message": me.Message}
	if me.Field != "" {
		body["field"] = me.Field
	}
	if me.Code == model.CodeEnrollmentRequired {
		body["next_steps"] = model.EnrollmentNextSteps
	}
	c.AbortWithStatusJSON(httpStatus(me.Code), gin.H{
		"detail": gin.H{"error": body},
	})
}

// Pagination bounds. Limits above the cap are clamped, not rejected.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// pagination parses limit/offset query params with clamping defaults.
func pagination(c *gin.Context) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "")); err == nil && v > 0 {
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if v, err := strconv.Atoi(c.DefaultQuery("offset", "")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

// bindJSON decodes the request body, mapping malformed bodies to
// INVALID_INPUT rather than gin's default error shape.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondErr(c, model.ErrInvalid("body", "malformed request body"))
		return false
	}
	return true
}
