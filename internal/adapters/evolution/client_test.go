package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"evolution-crm-bridge/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 5 * time.Millisecond}
}

func TestNewClientValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewClient("", "key", 0, fastPolicy()); err == nil {
		t.Error("expected error for empty baseURL")
	}
	if _, err := NewClient("http://gw", "", 0, fastPolicy()); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestFormatNumber(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"+55 (11) 99999-0000":          "5511999990000@s.whatsapp.net",
		"5511999990000@s.whatsapp.net": "5511999990000@s.whatsapp.net",
		"120363@g.us":                  "120363@g.us",
	}
	for in, want := range tests {
		if got := FormatNumber(in); got != want {
			t.Errorf("FormatNumber(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSendTextRetriesTransientStatus(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/message/sendText/acme" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("apikey") != "secret" {
			t.Errorf("missing apikey header")
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body SendTextPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Number != "5511999@s.whatsapp.net" || body.Text != "hello" {
			t.Errorf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":{"remoteJid":"5511999@s.whatsapp.net","fromMe":true,"id":"OUT1"},"status":"PENDING"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret", time.Second, fastPolicy())
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.SendText(context.Background(), "acme", "5511999", "hello")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if res.Key.ID != "OUT1" || calls.Load() != 3 {
		t.Fatalf("result %+v after %d calls", res, calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad number"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second, fastPolicy())
	_, err := c.SendText(context.Background(), "acme", "x", "hello")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestRetriesExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second, fastPolicy())
	if _, err := c.ConnectionState(context.Background(), "acme"); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestConnectionStateShapes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"v2", `{"instance":{"instanceName":"acme","state":"open"}}`, "open"},
		{"flat", `{"state":"close"}`, "close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/instance/connectionState/acme" {
					t.Errorf("path = %s", r.URL.Path)
				}
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, _ := NewClient(srv.URL, "secret", time.Second, fastPolicy())
			got, err := c.ConnectionState(context.Background(), "acme")
			if err != nil || got != tt.want {
				t.Fatalf("ConnectionState = %q, %v", got, err)
			}
		})
	}
}

func TestSetWebhook(t *testing.T) {
	t.Parallel()
	var got WebhookConfig
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook/set/acme" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", time.Second, fastPolicy())
	err := c.SetWebhook(context.Background(), "acme", WebhookConfig{
		Enabled: true, URL: "https://crm.example/webhook/evolution/acme", Base64: true, Events: []string{"MESSAGES_UPSERT"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || got.URL == "" || len(got.Events) != 1 {
		t.Fatalf("server saw %+v", got)
	}
	if err := c.SetWebhook(context.Background(), "acme", WebhookConfig{}); err == nil {
		t.Fatal("expected error for empty URL")
	}
}
