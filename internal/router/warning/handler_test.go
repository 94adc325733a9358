package warning

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
)

func newTestServer(t *testing.T, svc Service) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	NewHandler(svc).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHandler_List(t *testing.T) {
	svc := NewInMemoryService()
	svc.AddWarning(CategoryDispatch, SeverityError, "publish failed", "scheduler")
	svc.AddWarning(CategoryHealth, SeverityInfo, "startup", "runtime")
	srv := newTestServer(t, svc)

	resp := doRequest(t, http.MethodGet, srv.URL+"/warnings")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var warnings []Warning
	if err := json.NewDecoder(resp.Body).Decode(&warnings); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(warnings) != 2 {
		t.Errorf("expected 2 warnings, got %d", len(warnings))
	}
}

func TestHandler_Summary(t *testing.T) {
	svc := NewInMemoryService()
	svc.AddWarning(CategoryDispatch, SeverityError, "publish failed", "scheduler")
	svc.AddWarning(CategoryDispatch, SeverityError, "publish failed again", "scheduler")
	svc.AddWarning(CategoryHealth, SeverityWarn, "queue backlog", "monitor")
	for _, w := range svc.GetWarningsBySeverity(SeverityWarn) {
		svc.AcknowledgeWarning(w.ID)
	}
	srv := newTestServer(t, svc)

	resp := doRequest(t, http.MethodGet, srv.URL+"/warnings/summary")
	defer resp.Body.Close()

	var summary struct {
		Total          int            `json:"total"`
		Unacknowledged int            `json:"unacknowledged"`
		BySeverity     map[string]int `json:"bySeverity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if summary.Total != 3 {
		t.Errorf("expected total 3, got %d", summary.Total)
	}
	if summary.Unacknowledged != 2 {
		t.Errorf("expected 2 unacknowledged, got %d", summary.Unacknowledged)
	}
	if summary.BySeverity["ERROR"] != 2 || summary.BySeverity["WARN"] != 1 {
		t.Errorf("unexpected severity counts: %v", summary.BySeverity)
	}
}

func TestHandler_ListBySeverity(t *testing.T) {
	svc := NewInMemoryService()
	svc.AddWarning(CategoryDispatch, SeverityError, "boom", "scheduler")
	svc.AddWarning(CategoryHealth, SeverityWarn, "slow", "monitor")
	srv := newTestServer(t, svc)

	resp := doRequest(t, http.MethodGet, srv.URL+"/warnings/severity/warn")
	defer resp.Body.Close()

	var warnings []Warning
	if err := json.NewDecoder(resp.Body).Decode(&warnings); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Severity != SeverityWarn {
		t.Errorf("expected a single WARN warning, got %+v", warnings)
	}
}

func TestHandler_Acknowledge(t *testing.T) {
	svc := NewInMemoryService()
	svc.AddWarning(CategoryDispatch, SeverityError, "boom", "scheduler")
	id := svc.GetAllWarnings()[0].ID
	srv := newTestServer(t, svc)

	resp := doRequest(t, http.MethodPost, srv.URL+"/warnings/"+id+"/acknowledge")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if len(svc.GetUnacknowledgedWarnings()) != 0 {
		t.Error("warning should be acknowledged")
	}

	resp = doRequest(t, http.MethodPost, srv.URL+"/warnings/missing/acknowledge")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown warning, got %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected JSON error body")
	}
}

func TestHandler_ClearAll(t *testing.T) {
	svc := NewInMemoryService()
	svc.AddWarning(CategoryDispatch, SeverityError, "boom", "scheduler")
	srv := newTestServer(t, svc)

	resp := doRequest(t, http.MethodDelete, srv.URL+"/warnings")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
	if svc.Count() != 0 {
		t.Error("store should be empty after clear")
	}
}

func TestHandler_ClearOldRejectsBadHours(t *testing.T) {
	svc := NewInMemoryService()
	srv := newTestServer(t, svc)

	for _, raw := range []string{"abc", "-3", "0"} {
		resp := doRequest(t, http.MethodDelete, srv.URL+"/warnings/old?hours="+raw)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("hours=%s: expected 400, got %d", raw, resp.StatusCode)
		}
	}

	resp := doRequest(t, http.MethodDelete, srv.URL+"/warnings/old")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("default hours: expected 204, got %d", resp.StatusCode)
	}
}
