package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/warden/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		receivedBody   []byte
		receivedURL    string
		receivedMethod string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "warden-history")
	event := history.Event{
		Type:       history.EventBackup,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{Server: "vintagestory", PID: 12345, Status: "running", Detail: "/genbackup 2025-01-01_00-00-00"},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("send: %v", err)
	}
	if receivedMethod != http.MethodPost || receivedURL != "/warden-history/_doc" {
		t.Fatalf("unexpected request %s %s", receivedMethod, receivedURL)
	}
	var got history.Event
	if err := json.Unmarshal(receivedBody, &got); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if got.Type != history.EventBackup || got.Record.PID != 12345 || got.Record.Detail == "" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventStart})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestOpenSearchSink_Recent(t *testing.T) {
	var query map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+DefaultIndex+"/_search" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&query)
		_, _ = w.Write([]byte(`{"hits":{"hits":[
			{"_source":{"type":"restart","occurred_at":"2025-01-02T06:00:00Z","record":{"server":"vs","pid":9,"status":"stopped"}}},
			{"_source":{"type":"save","occurred_at":"2025-01-02T05:45:00Z","record":{"server":"vs","pid":9,"status":"running"}}}
		]}}`))
	}))
	defer server.Close()

	events, err := New(server.URL, "").Recent(context.Background(), 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 || events[0].Type != history.EventRestart || events[1].Record.Status != "running" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if query["size"] != float64(5) {
		t.Fatalf("query size = %v", query["size"])
	}
}
