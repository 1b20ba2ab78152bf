package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/shaiso/rex/internal/domain"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)

	return NewClient(Config{
		HTTPClient:      hc,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	})
}

func startCall(uri string) Call {
	return Call{
		Kind:    KindStart,
		Task:    "build",
		Request: &domain.Request{URI: uri, Headers: map[string]string{"X-Token": "secret"}},
		Body:    json.RawMessage(`{"payload":{"n":1}}`),
	}
}

// --- Call Tests ---

func TestClient_Success(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "http://remote/start",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-Token") != "secret" {
				t.Errorf("expected X-Token header, got %q", req.Header.Get("X-Token"))
			}
			if req.Header.Get("Content-Type") != "application/json" {
				t.Errorf("expected JSON content type, got %q", req.Header.Get("Content-Type"))
			}
			var body map[string]any
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if _, ok := body["payload"]; !ok {
				t.Errorf("expected payload in body, got %v", body)
			}
			return httpmock.NewStringResponse(http.StatusAccepted, `{"accepted":true}`), nil
		})

	result, err := c.Call(context.Background(), startCall("http://remote/start"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", result.StatusCode)
	}
	if string(result.Body) != `{"accepted":true}` {
		t.Errorf("unexpected body %s", result.Body)
	}
}

func TestClient_RetriesTooEarly(t *testing.T) {
	c := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder("POST", "http://remote/start",
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(http.StatusTooEarly, "not yet"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, ""), nil
		})

	if _, err := c.Call(context.Background(), startCall("http://remote/start")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestClient_ServerErrorExhaustsAttempts(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "http://remote/start",
		httpmock.NewStringResponder(http.StatusBadGateway, "down"))

	_, err := c.Call(context.Background(), startCall("http://remote/start"))
	if !errors.Is(err, domain.ErrRemoteCall) {
		t.Fatalf("expected ErrRemoteCall, got %v", err)
	}
	if n := httpmock.GetTotalCallCount(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestClient_TransportErrorRetried(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "http://remote/start",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := c.Call(context.Background(), startCall("http://remote/start"))
	if !errors.Is(err, domain.ErrRemoteCall) {
		t.Fatalf("expected ErrRemoteCall, got %v", err)
	}
	if n := httpmock.GetTotalCallCount(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "http://remote/start",
		httpmock.NewStringResponder(http.StatusBadRequest, `{"error":"bad payload"}`))

	result, err := c.Call(context.Background(), startCall("http://remote/start"))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if !errors.Is(err, domain.ErrRemoteCall) {
		t.Errorf("expected ErrRemoteCall, got %v", err)
	}
	if result == nil || result.StatusCode != http.StatusBadRequest {
		t.Errorf("expected result with status 400, got %+v", result)
	}
	if n := httpmock.GetTotalCallCount(); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestClient_PayloadAndMethodFromRequest(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("PUT", "http://remote/notify",
		func(req *http.Request) (*http.Response, error) {
			var body map[string]any
			_ = json.NewDecoder(req.Body).Decode(&body)
			if body["raw"] != true {
				t.Errorf("expected raw payload, got %v", body)
			}
			return httpmock.NewStringResponse(http.StatusNoContent, ""), nil
		})

	_, err := c.Call(context.Background(), Call{
		Kind:    KindNotify,
		Task:    "build",
		Request: &domain.Request{URI: "http://remote/notify", Method: "PUT", Payload: json.RawMessage(`{"raw":true}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_MissingRequest(t *testing.T) {
	c := newTestClient(t)

	_, err := c.Call(context.Background(), Call{Kind: KindCancel, Task: "build"})
	if !errors.Is(err, ErrNoRequest) {
		t.Fatalf("expected ErrNoRequest, got %v", err)
	}
}

func TestClient_ContextCancelledStopsRetry(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "http://remote/start",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Call(ctx, startCall("http://remote/start"))
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
