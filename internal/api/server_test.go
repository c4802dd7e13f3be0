package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tungate/internal/core/model"
)

type fakeEngine struct {
	stats   model.Statistics
	expired int
}

func (f *fakeEngine) Statistics() model.Statistics { return f.stats }

func (f *fakeEngine) ExpireIdle(time.Time) int { return f.expired }

func TestStatsEndpoint(t *testing.T) {
	engine := &fakeEngine{stats: model.Statistics{
		ActiveTCPFlows: 3,
		TotalTCPFlows:  7,
		UDPUnsupported: true,
	}}
	srv := NewServer("127.0.0.1:0", engine)

	req := httptest.NewRequest("GET", "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got model.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != engine.stats {
		t.Errorf("stats = %+v, want %+v", got, engine.stats)
	}
}

func TestExpireEndpoint(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeEngine{expired: 4})

	req := httptest.NewRequest("POST", "/api/v1/flows/expire", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["expired"] != 4 {
		t.Errorf("expired = %d, want 4", got["expired"])
	}
}

func TestExpireRejectsGet(t *testing.T) {
	srv := NewServer("127.0.0.1:0", &fakeEngine{})

	req := httptest.NewRequest("GET", "/api/v1/flows/expire", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}
