package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestProviderTimeoutsAllDefined(t *testing.T) {
	providers := []string{"gemini", "kimi", "nvidia", "mistral", "openrouter", "siliconflow", "groq", "cerebras"}
	for _, p := range providers {
		secs, ok := ProviderTimeouts[p]
		if !ok || secs <= 0 {
			t.Errorf("provider %q has no timeout", p)
		}
	}
	if _, ok := ProviderTimeouts["default"]; !ok {
		t.Error("no default timeout")
	}
}

func TestTimeoutForUnknownProviderUsesDefault(t *testing.T) {
	if got := TimeoutFor("nope"); got != 120*time.Second {
		t.Errorf("TimeoutFor(nope) = %v", got)
	}
	if got := TimeoutFor("kimi"); got != 180*time.Second {
		t.Errorf("TimeoutFor(kimi) = %v", got)
	}
}

func TestDoRetriesConnectErrorThenSucceeds(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Kill the connection before any response bytes.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("no hijacker")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := New(5*time.Second, 2, 10*time.Millisecond)
	body := []byte(`{}`)
	req, err := c.BuildRequest(context.Background(), "POST", srv.URL, map[string]string{"Content-Type": "application/json"}, body)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := c.Do(req, body)
	if err != nil {
		t.Fatalf("Do error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	// A closed listener: connection refused every time.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := New(2*time.Second, 1, 5*time.Millisecond)
	body := []byte(`{}`)
	req, err := c.BuildRequest(context.Background(), "POST", "http://"+addr, nil, body)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Do(req, body); err == nil {
		t.Fatal("want error against closed port")
	}
}

func TestDoDoesNotRetryAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := New(2*time.Second, 3, 5*time.Millisecond)
	body := []byte(`{}`)
	req, err := c.BuildRequest(ctx, "POST", "http://127.0.0.1:1/none", nil, body)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Do(req, body); err == nil {
		t.Fatal("want error for cancelled context")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil-ish unknown", errors.New("weird"), KindUnknown},
		{"deadline", context.DeadlineExceeded, KindTimeoutError},
		{"cancel", context.Canceled, KindCancelled},
		{"dial op", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindConnectError},
		{"read op", &net.OpError{Op: "read", Err: errors.New("reset")}, KindReadError},
		{"message timeout", errors.New("request timeout exceeded"), KindTimeoutError},
		{"message reset", errors.New("connection reset by peer"), KindReadError},
		{"message refused", errors.New("connection refused"), KindConnectError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&net.OpError{Op: "dial", Err: errors.New("refused")}) {
		t.Error("dial errors should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation should not be retryable")
	}
}
