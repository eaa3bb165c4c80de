package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeRuns struct {
	submit   func(region harvest.Region, categories []harvest.Category) (harvest.Run, error)
	progress func(runID string) (harvest.RunProgress, error)
	cancel   func(runID string) (int, error)
	resume   func(runID string) error
	letters  func(runID string) ([]harvest.WorkItem, error)
	resubmit func(itemID string) error
}

func (f *fakeRuns) Submit(_ context.Context, region harvest.Region, categories []harvest.Category) (harvest.Run, error) {
	return f.submit(region, categories)
}

func (f *fakeRuns) Progress(_ context.Context, runID string) (harvest.RunProgress, error) {
	return f.progress(runID)
}

func (f *fakeRuns) Cancel(_ context.Context, runID string) (int, error) {
	return f.cancel(runID)
}

func (f *fakeRuns) Resume(_ context.Context, runID string) error {
	return f.resume(runID)
}

func (f *fakeRuns) DeadLetters(_ context.Context, runID string) ([]harvest.WorkItem, error) {
	return f.letters(runID)
}

func (f *fakeRuns) ResubmitDeadLetter(_ context.Context, itemID string) error {
	return f.resubmit(itemID)
}

func newTestServer(runs Runs, cfg Config) *httptest.Server {
	return httptest.NewServer(NewServer(runs, nil, cfg, zap.NewNop()).Handler())
}

func submitBody(t *testing.T) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"polygon": [][][]float64{{
			{13.3, 52.5}, {13.5, 52.5}, {13.5, 52.6}, {13.3, 52.6}, {13.3, 52.5},
		}},
		"resolution": 9,
		"categories": []map[string]any{{"name": "cafe", "query": "cafe", "priority": 1}},
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestSubmitRunAccepted(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		submit: func(region harvest.Region, categories []harvest.Category) (harvest.Run, error) {
			require.Equal(t, 9, region.Resolution)
			require.Len(t, categories, 1)
			require.Equal(t, "cafe", categories[0].Name)
			return harvest.Run{ID: "run-1", Status: harvest.RunStatusActive, CellCount: 4, ItemCount: 4}, nil
		},
	}
	srv := newTestServer(runs, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", submitBody(t))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, "run-1", payload["run_id"])
	require.Equal(t, float64(4), payload["item_count"])
}

func TestSubmitRunErrorMapping(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"invalid region", fmt.Errorf("partition: %w", harvest.ErrInvalidRegion), http.StatusBadRequest},
		{"already running", fmt.Errorf("%w: run-9", harvest.ErrAlreadyRunning), http.StatusConflict},
		{"internal", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runs := &fakeRuns{
				submit: func(harvest.Region, []harvest.Category) (harvest.Run, error) {
					return harvest.Run{}, tc.err
				},
			}
			srv := newTestServer(runs, Config{})
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/v1/runs", "application/json", submitBody(t))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tc.code, resp.StatusCode)
		})
	}
}

func TestSubmitRunRejectsBadJSON(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeRuns{}, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunProgress(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		progress: func(runID string) (harvest.RunProgress, error) {
			if runID != "run-1" {
				return harvest.RunProgress{}, harvest.ErrRunNotFound
			}
			return harvest.RunProgress{RunID: runID, ItemsTotal: 10, ItemsCovered: 5, Percent: 50}, nil
		},
	}
	srv := newTestServer(runs, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/runs/run-1/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var progress harvest.RunProgress
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&progress))
	require.Equal(t, 5, progress.ItemsCovered)
	require.InDelta(t, 50.0, progress.Percent, 0.01)

	resp, err = http.Get(srv.URL + "/v1/runs/run-2/progress")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRun(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		cancel: func(runID string) (int, error) { return 7, nil },
	}
	srv := newTestServer(runs, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs/run-1/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Equal(t, float64(7), payload["removed"])
}

func TestResumeRun(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		resume: func(runID string) error {
			if runID != "run-1" {
				return harvest.ErrRunNotFound
			}
			return nil
		},
	}
	srv := newTestServer(runs, Config{})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/runs/run-1/resume", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeadLetterEndpoints(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		letters: func(runID string) ([]harvest.WorkItem, error) {
			return []harvest.WorkItem{{ID: "run-1:cell:cafe", RunID: runID, LastErrorKind: harvest.FetchBlocked}}, nil
		},
		resubmit: func(itemID string) error {
			if itemID != "run-1:cell:cafe" {
				return harvest.ErrItemNotFound
			}
			return nil
		},
	}
	srv := newTestServer(runs, Config{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/runs/run-1/deadletters")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Items []harvest.WorkItem `json:"items"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	require.Len(t, payload.Items, 1)

	resp, err = http.Post(srv.URL+"/v1/deadletters/run-1:cell:cafe/resubmit", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/v1/deadletters/missing/resubmit", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	runs := &fakeRuns{
		progress: func(string) (harvest.RunProgress, error) { return harvest.RunProgress{}, nil },
	}
	srv := newTestServer(runs, Config{APIKey: "secret"})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/runs/run-1/progress")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/runs/run-1/progress", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	srv := newTestServer(&fakeRuns{}, Config{RequestTimeout: time.Second})
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestReadyzReportsUnavailableDependency(t *testing.T) {
	t.Parallel()
	ready := func(context.Context) error { return fmt.Errorf("store unreachable") }
	srv := httptest.NewServer(NewServer(&fakeRuns{}, ready, Config{}, zap.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
