package db

import (
	"errors"
	"net/http"
	"testing"
)

func TestHealthPayload_Healthy(t *testing.T) {
	stats := PoolStats{TotalConns: 5, IdleConns: 3, AcquiredConns: 2, MaxConns: 20}

	status, body := healthPayload(nil, stats)
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body["status"] != "healthy" {
		t.Errorf("body status = %v, want healthy", body["status"])
	}
	if _, ok := body["error"]; ok {
		t.Error("healthy payload should not carry an error field")
	}
	if body["pool"].(PoolStats).TotalConns != 5 {
		t.Error("pool stats not carried through")
	}
}

func TestHealthPayload_PingFailure(t *testing.T) {
	status, body := healthPayload(errors.New("connection refused"), PoolStats{MaxConns: 20})
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("body status = %v, want unhealthy", body["status"])
	}
	if body["error"] != "connection refused" {
		t.Errorf("error = %v, want connection refused", body["error"])
	}
}
