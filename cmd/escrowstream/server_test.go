package main

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paygrid-labs/escrowstream/internal/hub"
	"github.com/paygrid-labs/escrowstream/internal/stats"
	"github.com/paygrid-labs/escrowstream/pkg/escrow"
)

func newTestServer(t *testing.T) (*Server, *stats.Aggregator, *stats.RecentLog) {
	t.Helper()

	agg := stats.NewAggregator(0, slog.Default())
	recent := stats.NewRecentLog(0)
	broadcast := hub.New(agg.Snapshot, 0, slog.Default())
	t.Cleanup(broadcast.Close)

	server := NewServer(Config{}, slog.Default(), agg, recent, broadcast)
	return server, agg, recent
}

func applyEvent(agg *stats.Aggregator, recent *stats.RecentLog, ev *escrow.Event) {
	agg.Apply(ev)
	recent.Push(ev)
}

func TestHealthEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if _, ok := response["uptimeSeconds"]; !ok {
		t.Error("missing uptimeSeconds")
	}
	if response["openSubscriberCount"] != float64(0) {
		t.Errorf("expected 0 subscribers, got %v", response["openSubscriberCount"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, agg, recent := newTestServer(t)

	applyEvent(agg, recent, &escrow.Event{
		Kind:        escrow.KindDeposit,
		User:        "0xaa",
		Amount:      big.NewInt(5000),
		BlockNumber: 10,
	})
	applyEvent(agg, recent, &escrow.Event{
		Kind:        escrow.KindBatchPayment,
		User:        "0xaa",
		Provider:    "0xbb",
		Amount:      big.NewInt(1200),
		Calls:       10,
		BlockNumber: 11,
	})

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var s escrow.Stats
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if s.TotalDeposits != 1 {
		t.Errorf("totalDeposits = %d, want 1", s.TotalDeposits)
	}
	if s.TotalDepositAmount != "5000" {
		t.Errorf("totalDepositAmount = %q, want %q", s.TotalDepositAmount, "5000")
	}
	if s.TotalPaymentVolume != "1200" {
		t.Errorf("totalPaymentVolume = %q, want %q", s.TotalPaymentVolume, "1200")
	}
	if s.TotalAPICalls != 10 {
		t.Errorf("totalApiCalls = %d, want 10", s.TotalAPICalls)
	}
	if s.UniqueUsers != 1 || s.UniqueProviders != 1 {
		t.Errorf("unique users/providers = %d/%d, want 1/1", s.UniqueUsers, s.UniqueProviders)
	}
}

func TestRecentEventsEndpoint(t *testing.T) {
	server, agg, recent := newTestServer(t)

	for b := uint64(1); b <= 5; b++ {
		applyEvent(agg, recent, &escrow.Event{
			Kind:        escrow.KindDeposit,
			User:        "0xaa",
			Amount:      big.NewInt(int64(b)),
			BlockNumber: b,
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/events/recent?limit=3", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response struct {
		Events []*escrow.Event `json:"events"`
		Count  int             `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Count != 3 {
		t.Errorf("count = %d, want 3", response.Count)
	}
	if response.Events[0].BlockNumber != 5 {
		t.Errorf("newest event block = %d, want 5", response.Events[0].BlockNumber)
	}
}

func TestRecentEventsInvalidLimit(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, limit := range []string{"abc", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/events/recent?limit="+limit, nil)
		rec := httptest.NewRecorder()

		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected status 400, got %d", limit, rec.Code)
		}
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	server, agg, recent := newTestServer(t)

	applyEvent(agg, recent, &escrow.Event{
		Kind:        escrow.KindDeposit,
		User:        "0xaa",
		Amount:      big.NewInt(100),
		BlockNumber: 1,
	})

	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()

	server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var response struct {
		Stats        escrow.Stats    `json:"stats"`
		RecentEvents []*escrow.Event `json:"recentEvents"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.Stats.TotalDeposits != 1 {
		t.Errorf("stats.totalDeposits = %d, want 1", response.Stats.TotalDeposits)
	}
	if len(response.RecentEvents) != 1 {
		t.Errorf("recentEvents length = %d, want 1", len(response.RecentEvents))
	}
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, path := range []string{"/health", "/stats", "/events/recent", "/snapshot"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()

		server.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status 405, got %d", path, rec.Code)
		}
	}
}
