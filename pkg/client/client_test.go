package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGet_decodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer nbl_testkey" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/entities/abc" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"abc","name":"Atlas"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, WithCredential("nbl_testkey"))
	raw, err := c.Get(context.Background(), "/entities/abc")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var got struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &got); err != nil || got.Name != "Atlas" {
		t.Errorf("data payload = %s (%v)", raw, err)
	}
}

func TestGet_typedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":{"error":{"code":"NOT_FOUND","message":"entity not found"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Get(context.Background(), "/entities/missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if apiErr.Code != "NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestGet_rateLimitedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"status":"rate_limited","message":"rate limit exceeded; retry shortly"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Get(context.Background(), "/entities")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "RATE_LIMITED" {
		t.Errorf("rate-limited error = %v", err)
	}
}

func TestGet_opaqueBodyFallsBackToStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Get(context.Background(), "/entities")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "HTTP_502" {
		t.Errorf("fallback error = %v", err)
	}
}

func TestErrorEnvelope_nextSteps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":{"error":{"code":"ENROLLMENT_REQUIRED","message":"agent is not enrolled; complete the enrollment flow first","next_steps":["agent_enroll_start","agent_enroll_wait","agent_enroll_redeem"]}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Whoami(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("want *APIError, got %v", err)
	}
	if len(apiErr.NextSteps) != 3 || apiErr.NextSteps[0] != "agent_enroll_start" {
		t.Errorf("next steps = %v", apiErr.NextSteps)
	}
}

func TestInvoke_executed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Action       string          `json:"action"`
			Payload      json.RawMessage `json:"payload"`
			RelatedJobID string          `json:"related_job_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Action != "create_entity" || body.RelatedJobID != "2026Q3-A7F2" {
			t.Errorf("request body = %+v", body)
		}
		w.Write([]byte(`{"data":{"id":"new-id"}}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Invoke(context.Background(), "create_entity",
		json.RawMessage(`{"name":"Atlas"}`), "2026Q3-A7F2")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Intercepted() {
		t.Error("executed invoke reported intercepted")
	}
	if string(res.Record) != `{"id":"new-id"}` {
		t.Errorf("record = %s", res.Record)
	}
}

func TestInvoke_intercepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"status":"approval_required","approval_request_id":"req-123"}`))
	}))
	defer srv.Close()

	res, err := New(srv.URL).Invoke(context.Background(), "create_entity", nil, "")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Intercepted() || res.ApprovalRequestID != "req-123" {
		t.Errorf("result = %+v", res)
	}
}

func TestList_appendsPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "10" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("status"); got != "active" {
			t.Errorf("existing query params must survive: %q", got)
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL).List(context.Background(), "/entities?status=active", 10, 0); err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestEnrollment_tokenReplacesCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/register":
			if got := r.Header.Get("Authorization"); got != "" {
				t.Errorf("register must be unauthenticated, got %q", got)
			}
			w.Write([]byte(`{"data":{"session_id":"sess-1","approval_request_id":"req-1","token":"nbe_tok"}}`))
		case "/enroll/sess-1":
			if got := r.Header.Get("Authorization"); got != "Bearer nbe_tok" {
				t.Errorf("wait must use the enroll token, got %q", got)
			}
			if got := r.URL.Query().Get("wait"); got != "30" {
				t.Errorf("wait param = %q", got)
			}
			w.Write([]byte(`{"data":{"status":"approved","can_redeem":true}}`))
		case "/enroll/sess-1/redeem":
			if got := r.Header.Get("Authorization"); got != "Bearer nbe_tok" {
				t.Errorf("redeem must use the enroll token, got %q", got)
			}
			w.Write([]byte(`{"data":{"agent":{"id":"a1"},"api_key":"nbl_newkey","key_prefix":"nbl_newk"}}`))
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	start, err := c.StartEnrollment(ctx, "crawler", "web crawler", []string{"fetch"}, []string{"public"})
	if err != nil {
		t.Fatalf("StartEnrollment: %v", err)
	}
	if start.SessionID != "sess-1" || start.Token != "nbe_tok" {
		t.Fatalf("start = %+v", start)
	}

	wait, err := c.WaitEnrollment(ctx, start.SessionID, start.Token, 30)
	if err != nil {
		t.Fatalf("WaitEnrollment: %v", err)
	}
	if !wait.CanRedeem || wait.Status != "approved" {
		t.Fatalf("wait = %+v", wait)
	}

	redeem, err := c.RedeemEnrollment(ctx, start.SessionID, start.Token)
	if err != nil {
		t.Fatalf("RedeemEnrollment: %v", err)
	}
	if redeem.APIKey != "nbl_newkey" {
		t.Errorf("redeem = %+v", redeem)
	}
}

func TestApprove_sendsReviewDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/approvals/req-1/approve" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body struct {
			Notes         string          `json:"notes"`
			ReviewDetails json.RawMessage `json:"review_details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.Notes != "lgtm" || string(body.ReviewDetails) != `{"grant_scopes":["public"]}` {
			t.Errorf("body = %+v", body)
		}
		w.Write([]byte(`{"data":{"status":"approved"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Approve(context.Background(), "req-1", "lgtm",
		json.RawMessage(`{"grant_scopes":["public"]}`))
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
}
