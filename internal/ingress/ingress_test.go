package ingress

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"secd/internal/repoclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher records dispatched payloads on a channel so tests can
// observe that the handler fired the orchestration without waiting on it.
type fakeDispatcher struct {
	dispatched chan repoclient.PushPayload
	block      chan struct{}
}

func (f *fakeDispatcher) Create(ctx context.Context, payload repoclient.PushPayload) {
	if f.block != nil {
		<-f.block
	}
	f.dispatched <- payload
}

func newTestServer(dispatcher Dispatcher) *httptest.Server {
	srv := New("hook-secret", dispatcher, testLogger())
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func postHook(t *testing.T, url, event, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/v1/hook", strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if event != "" {
		req.Header.Set("X-Gitlab-Event", event)
	}
	if token != "" {
		req.Header.Set("X-Gitlab-Token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("posting hook: %v", err)
	}
	return resp
}

const validBody = `{"event_name":"push","ref":"refs/heads/main","user_id":42,"project_id":7,` +
	`"project":{"http_url":"https://git.example/a/b.git","path_with_namespace":"a/b"},` +
	`"commits":[{"id":"abc"}]}`

func TestHookRejectsUnknownEvent(t *testing.T) {
	ts := newTestServer(&fakeDispatcher{dispatched: make(chan repoclient.PushPayload, 1)})
	defer ts.Close()

	resp := postHook(t, ts.URL, "Tag Push Hook", "hook-secret", validBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for unrecognized event header", resp.StatusCode)
	}
}

func TestHookRejectsMissingEventHeader(t *testing.T) {
	ts := newTestServer(&fakeDispatcher{dispatched: make(chan repoclient.PushPayload, 1)})
	defer ts.Close()

	resp := postHook(t, ts.URL, "", "hook-secret", validBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for missing event header", resp.StatusCode)
	}
}

func TestHookRejectsBadToken(t *testing.T) {
	ts := newTestServer(&fakeDispatcher{dispatched: make(chan repoclient.PushPayload, 1)})
	defer ts.Close()

	resp := postHook(t, ts.URL, "Push Hook", "wrong-secret", validBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 for token mismatch", resp.StatusCode)
	}
}

func TestHookRejectsMalformedBody(t *testing.T) {
	dispatcher := &fakeDispatcher{dispatched: make(chan repoclient.PushPayload, 1)}
	ts := newTestServer(dispatcher)
	defer ts.Close()

	resp := postHook(t, ts.URL, "Push Hook", "hook-secret", "{not json")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 for malformed body", resp.StatusCode)
	}
	select {
	case <-dispatcher.dispatched:
		t.Error("malformed body was dispatched to the orchestrator")
	default:
	}
}

func TestHookAcceptsAndDispatches(t *testing.T) {
	dispatcher := &fakeDispatcher{dispatched: make(chan repoclient.PushPayload, 1)}
	ts := newTestServer(dispatcher)
	defer ts.Close()

	for _, event := range []string{"Push Hook", "System Hook"} {
		resp := postHook(t, ts.URL, event, "hook-secret", validBody)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200 for %s", resp.StatusCode, event)
		}
		var body map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decoding response body: %v", err)
		}
		resp.Body.Close()
		if body["status"] != "success" {
			t.Errorf("body = %v, want status success", body)
		}

		select {
		case payload := <-dispatcher.dispatched:
			if payload.Ref != "refs/heads/main" || payload.UserID != 42 || payload.ProjectID != 7 {
				t.Errorf("dispatched payload = %+v, want decoded webhook fields", payload)
			}
		case <-time.After(time.Second):
			t.Fatal("payload was never dispatched to the orchestrator")
		}
	}
}

func TestHookRespondsBeforeOrchestrationFinishes(t *testing.T) {
	dispatcher := &fakeDispatcher{
		dispatched: make(chan repoclient.PushPayload, 1),
		block:      make(chan struct{}),
	}
	ts := newTestServer(dispatcher)
	defer ts.Close()

	// The orchestration is blocked; the response must still come back.
	resp := postHook(t, ts.URL, "Push Hook", "hook-secret", validBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 while orchestration is still blocked", resp.StatusCode)
	}

	close(dispatcher.block)
	select {
	case <-dispatcher.dispatched:
	case <-time.After(time.Second):
		t.Fatal("orchestration never ran after being unblocked")
	}
}
