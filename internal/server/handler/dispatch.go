package handler

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"github.com/nebula-cp/nebula/internal/actions"
	"github.com/nebula-cp/nebula/internal/model"
)

// maxBodyBytes caps request bodies read by the dispatch helpers.
const maxBodyBytes = 1 << 20

// rawBody reads the request body as the action payload.
func rawBody(c *gin.Context) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		respondErr(c, model.ErrInvalid("body", "unreadable request body"))
		return nil, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	return body, true
}

// bodyWithID reads the body and injects the :id path param under idField,
// so PATCH routes share the action input shape with the tool surface.
func bodyWithID(c *gin.Context, idField string) (json.RawMessage, bool) {
	body, ok := rawBody(c)
	if !ok {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		respondErr(c, model.ErrInvalid("body", "malformed request body"))
		return nil, false
	}
	if m == nil {
		m = map[string]any{}
	}
	m[idField] = c.Param("id")
	merged, err := json.Marshal(m)
	if err != nil {
		respondErr(c, model.ErrInternal())
		return nil, false
	}
	return merged, true
}

// dispatch runs one action for the request's caller and writes the outcome.
func dispatch(c *gin.Context, d *actions.Dispatcher, action string, payload json.RawMessage) {
	caller := callerFrom(c)
	res, err := d.Dispatch(c.Request.Context(), caller, action, payload, relatedJobID(c))
	if err != nil {
		RecordDispatch(action, "error")
		respondErr(c, err)
		return
	}
	if res.Intercepted() {
		RecordDispatch(action, "intercepted")
	} else {
		RecordDispatch(action, "executed")
	}
	respondDispatch(c, res)
}

// relatedJobID reads the optional X-Related-Job header linking a proposal to
// the job that produced it.
func relatedJobID(c *gin.Context) *string {
	if v := c.GetHeader("X-Related-Job"); v != "" {
		return &v
	}
	return nil
}
