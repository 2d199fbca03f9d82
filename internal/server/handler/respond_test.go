package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nebula-cp/nebula/internal/model"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testContext(t *testing.T, target string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, target, nil)
	return c, rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		code model.Code
		want int
	}{
		{model.CodeMissingAuth, http.StatusUnauthorized},
		{model.CodeInvalidAuth, http.StatusUnauthorized},
		{model.CodeForbidden, http.StatusForbidden},
		{model.CodeEnrollmentRequired, http.StatusForbidden},
		{model.CodeNotFound, http.StatusNotFound},
		{model.CodeInvalidInput, http.StatusBadRequest},
		{model.CodeConflict, http.StatusConflict},
		{model.CodeRateLimited, http.StatusTooManyRequests},
		{model.CodeApprovalRequired, http.StatusAccepted},
		{model.CodeInternal, http.StatusInternalServerError},
		{"SOMETHING_NEW", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := httpStatus(tc.code); got != tc.want {
			t.Errorf("httpStatus(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestRespondErr_envelope(t *testing.T) {
	c, rec := testContext(t, "/v1/entities")
	respondErr(c, model.ErrInvalid("tags", "too many tags"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	errObj := body["detail"].(map[string]any)["error"].(map[string]any)
	if errObj["code"] != "INVALID_INPUT" || errObj["field"] != "tags" {
		t.Errorf("error object = %v", errObj)
	}
}

func TestRespondErr_collapsesUnknownErrors(t *testing.T) {
	c, rec := testContext(t, "/v1/entities")
	respondErr(c, errors.New("pq: duplicate key value violates unique constraint"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	errObj := decodeBody(t, rec)["detail"].(map[string]any)["error"].(map[string]any)
	if errObj["code"] != "INTERNAL" || errObj["message"] != "internal error" {
		t.Errorf("store detail leaked: %v", errObj)
	}
}

func TestRespondErr_rateLimitedShape(t *testing.T) {
	c, rec := testContext(t, "/v1/entities")
	respondErr(c, model.ErrRateLimited("rate limit exceeded; retry shortly"))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("Retry-After header missing")
	}
	body := decodeBody(t, rec)
	if body["status"] != "rate_limited" {
		t.Errorf("rate-limited envelope = %v", body)
	}
	if _, ok := body["detail"]; ok {
		t.Error("rate-limited responses must not use the detail envelope")
	}
}

func TestRespondErr_enrollmentNextSteps(t *testing.T) {
	c, rec := testContext(t, "/v1/actions/invoke")
	respondErr(c, model.ErrEnrollmentRequired())

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	errObj := decodeBody(t, rec)["detail"].(map[string]any)["error"].(map[string]any)
	steps, ok := errObj["next_steps"].([]any)
	if !ok || len(steps) != 3 || steps[0] != "agent_enroll_start" {
		t.Errorf("next_steps = %v", errObj["next_steps"])
	}
}

func TestPagination(t *testing.T) {
	cases := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", 50, 0},
		{"?limit=10&offset=5", 10, 5},
		{"?limit=9999", 200, 0},
		{"?limit=-1&offset=-2", 50, 0},
		{"?limit=abc&offset=xyz", 50, 0},
	}
	for _, tc := range cases {
		c, _ := testContext(t, "/v1/entities"+tc.query)
		limit, offset := pagination(c)
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Errorf("pagination(%q) = %d, %d, want %d, %d", tc.query, limit, offset, tc.wantLimit, tc.wantOffset)
		}
	}
}
