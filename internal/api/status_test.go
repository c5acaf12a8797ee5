package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/listwatch/harvester/internal/types"
)

func writeFile(t *testing.T, dir, name string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), raw, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "progress-w1.json", types.WorkerProgress{
		WorkerID: "w1", CurrentPage: 12, UniqueCollected: 280, UpdatedAt: time.Now(),
	})
	writeFile(t, dir, "result-w2.json", types.WorkerResult{
		WorkerID: "w2", StopReason: types.StopRangeExhausted,
	})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mux := http.NewServeMux()
	NewServer(dir, "sess-1", log).Register(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", resp.StatusCode)
	}

	var got Status
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.SessionID != "sess-1" {
		t.Errorf("session = %q, want sess-1", got.SessionID)
	}
	if len(got.Workers) != 1 || got.Workers[0].CurrentPage != 12 {
		t.Errorf("workers = %+v, want the one progress file", got.Workers)
	}
	if len(got.Results) != 1 || got.Results[0].StopReason != types.StopRangeExhausted {
		t.Errorf("results = %+v, want the one result file", got.Results)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", health.StatusCode)
	}
}
