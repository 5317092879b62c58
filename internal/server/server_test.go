package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/jobsched/internal/config"
	"github.com/aristath/jobsched/internal/logging"
	"github.com/aristath/jobsched/internal/scheduler"
	"github.com/aristath/jobsched/internal/tasks"
	"github.com/aristath/jobsched/internal/workdir"
)

// envelope is used to decode the standard response envelope.
type envelope struct {
	Status    string          `json:"status"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
}

type fixture struct {
	srv   *Server
	sched *scheduler.Scheduler
	dirs  *workdir.Manager
	db    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dirs, err := workdir.NewManager(workdir.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	sched := scheduler.New(scheduler.Config{Workers: 2, AbortGrace: time.Second}, dirs)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	reg := tasks.NewDefaultRegistry(tasks.Options{
		Profiles: map[string]config.CommandProfile{"wait": {Command: "sleep", Args: []string{"30"}}},
	})

	db := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin"} {
		if err := os.WriteFile(filepath.Join(db, name), []byte("1234"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return &fixture{srv: New(sched, reg, logging.Discard()), sched: sched, dirs: dirs, db: db}
}

func (f *fixture) do(t *testing.T, method, path, body string, wantStatus int) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Username", "carol")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)

	if w.Code != wantStatus {
		t.Fatalf("%s %s: status=%d, want %d, body=%s", method, path, w.Code, wantStatus, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("%s %s: missing X-Request-ID", method, path)
	}
	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: invalid JSON: %v", method, path, err)
	}
	return env
}

func (f *fixture) jobDirs(t *testing.T) int {
	t.Helper()
	infos, err := f.dirs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(infos)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	env := f.do(t, "GET", "/healthz", "", http.StatusOK)
	if env.Status != "ok" || env.RequestID == "" {
		t.Errorf("envelope = %+v", env)
	}
	var data map[string]any
	json.Unmarshal(env.Data, &data)
	if data["status"] != "healthy" || data["stuck"] != float64(0) {
		t.Errorf("data = %v", data)
	}
}

func TestKinds(t *testing.T) {
	f := newFixture(t)
	env := f.do(t, "GET", "/api/v1/kinds", "", http.StatusOK)

	var kinds []struct {
		Name     string   `json:"name"`
		Required []string `json:"required"`
	}
	json.Unmarshal(env.Data, &kinds)
	if len(kinds) != 2 || kinds[0].Name != tasks.KindAnalyzeDB || kinds[0].Required[0] != "database" {
		t.Errorf("kinds = %+v", kinds)
	}
}

func TestCreateJobRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	body := `
name: analyse
steps:
  - id: first
    kind: analyze-db
    params: {database: ` + f.db + `}
  - id: second
    kind: analyze-db
    depends_on: [first]
    params: {database: ` + f.db + `, force_same_shape: "true"}
`
	env := f.do(t, "POST", "/api/v1/jobs", body, http.StatusCreated)

	var created JobSummary
	json.Unmarshal(env.Data, &created)
	if created.ID == "" || created.Name != "analyse" || created.Username != "carol" || created.Tasks != 2 {
		t.Fatalf("created = %+v", created)
	}

	deadline := time.Now().Add(5 * time.Second)
	var st StatusReply
	for time.Now().Before(deadline) {
		env = f.do(t, "GET", "/api/v1/jobs/"+created.ID+"/status", "", http.StatusOK)
		json.Unmarshal(env.Data, &st)
		if st.Status == scheduler.StatusDone {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if st.Status != scheduler.StatusDone || st.Progress != 1 {
		t.Fatalf("status = %+v, want Done", st)
	}

	env = f.do(t, "GET", "/api/v1/jobs/"+created.ID, "", http.StatusOK)
	var info scheduler.JobInfo
	json.Unmarshal(env.Data, &info)
	if len(info.Tasks) != 2 || info.Tasks[1].Outputs["analysis"] != "second.analysis.yaml" {
		t.Errorf("info = %+v", info)
	}

	env = f.do(t, "GET", "/api/v1/jobs", "", http.StatusOK)
	var list []JobSummary
	json.Unmarshal(env.Data, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestCreateJobRejected(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDetail string
	}{
		{"malformed", "name: [", ""},
		{"missing param", "name: x\nsteps:\n  - {id: a, kind: analyze-db}\n", `requires parameter "database"`},
		{"unknown kind", "name: x\nsteps:\n  - {id: a, kind: train}\n", "unknown task kind"},
		{"no steps", "name: x\n", "no tasks"},
		{"cycle", "name: x\nsteps:\n" +
			"  - {id: a, kind: command, depends_on: [b], params: {profile: wait}}\n" +
			"  - {id: b, kind: command, depends_on: [a], params: {profile: wait}}\n", "dependency cycle"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			env := f.do(t, "POST", "/api/v1/jobs", tt.body, http.StatusBadRequest)

			if env.Status != "error" || env.Error == nil || env.Error.Code != ErrValidation {
				t.Fatalf("envelope = %+v", env)
			}
			if tt.wantDetail != "" && !strings.Contains(strings.Join(env.Error.Details, "; "), tt.wantDetail) {
				t.Errorf("details = %v, want %q", env.Error.Details, tt.wantDetail)
			}
			if n := len(f.sched.List()); n != 0 {
				t.Errorf("%d jobs registered after rejection", n)
			}
			if n := f.jobDirs(t); n != 0 {
				t.Errorf("%d job directories left after rejection", n)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/jobs/nope"},
		{"GET", "/api/v1/jobs/nope/status"},
		{"DELETE", "/api/v1/jobs/nope"},
	} {
		env := f.do(t, tc.method, tc.path, "", http.StatusNotFound)
		if env.Error == nil || env.Error.Code != ErrNotFound {
			t.Errorf("%s %s: envelope = %+v", tc.method, tc.path, env)
		}
	}
}

func TestDeleteRunningJob(t *testing.T) {
	f := newFixture(t)
	body := `{"name": "long", "steps": [{"id": "sleep", "kind": "command", "params": {"profile": "wait"}}]}`
	env := f.do(t, "POST", "/api/v1/jobs", body, http.StatusCreated)
	var created JobSummary
	json.Unmarshal(env.Data, &created)

	deadline := time.Now().Add(5 * time.Second)
	for f.sched.Running() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	f.do(t, "DELETE", "/api/v1/jobs/"+created.ID, "", http.StatusOK)
	if time.Since(start) > 3*time.Second {
		t.Errorf("delete took %v", time.Since(start))
	}

	f.do(t, "GET", "/api/v1/jobs/"+created.ID, "", http.StatusNotFound)
	if n := f.jobDirs(t); n != 0 {
		t.Errorf("%d job directories left after delete", n)
	}
}

func TestCreateMultiImageDataset(t *testing.T) {
	f := newFixture(t)
	req := MultiImageRequest{
		Name:           "pairs",
		Group:          "vision",
		TrainImages:    [2]string{f.db, f.db},
		ForceSameShape: true,
	}
	data, _ := json.Marshal(req)

	env := f.do(t, "POST", "/api/v1/datasets/multi-image", string(data), http.StatusCreated)
	var created JobSummary
	json.Unmarshal(env.Data, &created)
	if created.Tasks != 2 || created.Group != "vision" || created.Username != "carol" {
		t.Errorf("created = %+v", created)
	}
}

func TestCreateMultiImageDatasetInvalid(t *testing.T) {
	f := newFixture(t)

	env := f.do(t, "POST", "/api/v1/datasets/multi-image", `{"dataset_name": "x", "train_images": ["/a", ""]}`, http.StatusBadRequest)
	if env.Error == nil || !strings.Contains(strings.Join(env.Error.Details, ";"), "training images 1") {
		t.Errorf("envelope = %+v", env)
	}

	f.do(t, "POST", "/api/v1/datasets/multi-image", `{`, http.StatusBadRequest)
}

func TestCreateMultiImageDatasetKeepsMeanFilesAndForm(t *testing.T) {
	f := newFixture(t)
	body := `{"dataset_name": "pairs", "train_images": ["` + f.db + `", "` + f.db + `"], "mean_files": [" /means/0.binaryproto ", ""]}`

	env := f.do(t, "POST", "/api/v1/datasets/multi-image", body, http.StatusCreated)
	var created JobSummary
	json.Unmarshal(env.Data, &created)

	env = f.do(t, "GET", "/api/v1/jobs/"+created.ID, "", http.StatusOK)
	var info scheduler.JobInfo
	json.Unmarshal(env.Data, &info)
	if info.Metadata["mean_file_0"] != "/means/0.binaryproto" || len(info.Metadata) != 1 {
		t.Errorf("metadata = %v", info.Metadata)
	}
	var saved MultiImageRequest
	if err := json.Unmarshal(info.Form, &saved); err != nil || saved.Name != "pairs" {
		t.Errorf("saved form = %s (%v)", info.Form, err)
	}
}

func TestCloneMultiImageDataset(t *testing.T) {
	f := newFixture(t)
	src := MultiImageRequest{
		Name:        "pairs",
		Group:       "vision",
		TrainImages: [2]string{f.db, f.db},
		TrainLabels: f.db,
		MeanFiles:   [2]string{"/means/0", "/means/1"},
	}
	data, _ := json.Marshal(src)
	env := f.do(t, "POST", "/api/v1/datasets/multi-image", string(data), http.StatusCreated)
	var first JobSummary
	json.Unmarshal(env.Data, &first)

	tests := []struct {
		name     string
		body     string
		wantName string
	}{
		{"empty body", "", "pairs"},
		{"override name", `{"dataset_name": "pairs-2"}`, "pairs-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := f.do(t, "POST", "/api/v1/datasets/multi-image?clone="+first.ID, tt.body, http.StatusCreated)
			var created JobSummary
			json.Unmarshal(env.Data, &created)
			if created.ID == first.ID || created.Name != tt.wantName || created.Group != "vision" || created.Tasks != 3 {
				t.Errorf("clone = %+v", created)
			}

			info, err := f.sched.Get(created.ID)
			if err != nil {
				t.Fatal(err)
			}
			if info.Metadata["mean_file_1"] != "/means/1" {
				t.Errorf("metadata = %v", info.Metadata)
			}
		})
	}
}

func TestCloneMultiImageDatasetErrors(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/api/v1/datasets/multi-image?clone=missing", "", http.StatusNotFound)

	env := f.do(t, "POST", "/api/v1/jobs", "name: plain\nsteps:\n  - {id: a, kind: analyze-db, params: {database: "+f.db+"}}\n", http.StatusCreated)
	var plain JobSummary
	json.Unmarshal(env.Data, &plain)

	env = f.do(t, "POST", "/api/v1/datasets/multi-image?clone="+plain.ID, "", http.StatusBadRequest)
	if env.Error == nil || !strings.Contains(strings.Join(env.Error.Details, ";"), "no saved form") {
		t.Errorf("envelope = %+v", env.Error)
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{scheduler.NewValidationError("j", "bad"), http.StatusBadRequest},
		{scheduler.ErrJobExists, http.StatusConflict},
		{scheduler.ErrJobNotFound, http.StatusNotFound},
		{scheduler.ErrSchedulerClosed, http.StatusServiceUnavailable},
		{&scheduler.InvalidTransitionError{TaskID: "t", From: scheduler.StatusDone, To: scheduler.StatusRunning}, http.StatusInternalServerError},
		{bytes.ErrTooLarge, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := toAPIError(tt.err); got != tt.want {
			t.Errorf("toAPIError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
