package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestQStashPublish(t *testing.T) {
	var gotPath, gotAuth, gotDelay, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotDelay = r.Header.Get("Upstash-Delay")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"messageId":"msg_1"}`))
	}))
	defer srv.Close()

	q := NewQStash(srv.URL, "tok", 3)
	id, err := q.Publish(context.Background(), &Message{
		TargetURL: "https://app.example/api/jobs",
		Body:      []byte(`{"jobName":"stitch-video","payload":{}}`),
		Delay:     10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "msg_1" {
		t.Errorf("message id = %q", id)
	}
	if gotPath != "/v2/publish/https://app.example/api/jobs" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" || gotDelay != "10s" {
		t.Errorf("headers: auth=%q delay=%q", gotAuth, gotDelay)
	}
	if gotBody != `{"jobName":"stitch-video","payload":{}}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestQStashPublishError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewQStash(srv.URL, "tok", 0).Publish(context.Background(), &Message{TargetURL: "https://x/api/jobs"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"jobName":"process-audio","payload":{"projectId":"p"}}`)
	target := "https://app.example/api/jobs"

	sig, err := NewSigner("current").Sign(body, target)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tests := []struct {
		name     string
		verifier *Verifier
		sig      string
		body     []byte
		url      string
		wantErr  bool
	}{
		{"valid", NewVerifier("current", "next"), sig, body, target, false},
		{"valid with next key", NewVerifier("old", "current"), sig, body, target, false},
		{"url not checked", NewVerifier("current", ""), sig, body, "", false},
		{"wrong key", NewVerifier("other", ""), sig, body, target, true},
		{"tampered body", NewVerifier("current", ""), sig, []byte(`{}`), target, true},
		{"wrong url", NewVerifier("current", ""), sig, body, "https://evil.example/api/jobs", true},
		{"missing", NewVerifier("current", ""), "", body, target, true},
		{"no keys", NewVerifier("", ""), sig, body, target, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verifier.Verify(tt.sig, tt.body, tt.url)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSignature) {
					t.Fatalf("expected ErrInvalidSignature, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
