package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/jobsched/internal/pipeline"
	"github.com/aristath/jobsched/internal/scheduler"
)

// JobSummary is the short form of a job used by create and list replies.
type JobSummary struct {
	ID        string           `json:"job_id"`
	Name      string           `json:"name"`
	Username  string           `json:"username,omitempty"`
	Group     string           `json:"group,omitempty"`
	Status    scheduler.Status `json:"status"`
	Progress  float64          `json:"progress"`
	Tasks     int              `json:"tasks"`
	CreatedAt time.Time        `json:"created_at"`
}

func summarize(info *scheduler.JobInfo) JobSummary {
	return JobSummary{
		ID:        info.ID,
		Name:      info.Name,
		Username:  info.Username,
		Group:     info.Group,
		Status:    info.Status,
		Progress:  info.Progress,
		Tasks:     len(info.Tasks),
		CreatedAt: info.CreatedAt,
	}
}

// StatusReply is returned by the status endpoint.
type StatusReply struct {
	ID       string           `json:"job_id"`
	Status   scheduler.Status `json:"status"`
	Progress float64          `json:"progress"`
}

// MultiImageRequest is the JSON form of a multi-image dataset submission.
type MultiImageRequest struct {
	Name           string    `json:"dataset_name"`
	Group          string    `json:"group_name,omitempty"`
	Method         string    `json:"method,omitempty"`
	TrainImages    [2]string `json:"train_images"`
	TrainLabels    string    `json:"train_labels,omitempty"`
	ValImages      [2]string `json:"val_images,omitempty"`
	ValLabels      string    `json:"val_labels,omitempty"`
	MeanFiles      [2]string `json:"mean_files,omitempty"`
	ForceSameShape bool      `json:"force_same_shape,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, map[string]any{
		"status":     "healthy",
		"go_version": runtime.Version(),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"jobs":       len(s.sched.List()),
		"running":    s.sched.Running(),
		"stuck":      s.sched.Stuck(),
	})
}

func (s *Server) handleKinds(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	type kind struct {
		Name     string   `json:"name"`
		Required []string `json:"required,omitempty"`
		Outputs  []string `json:"outputs,omitempty"`
	}
	var kinds []kind
	for _, name := range s.registry.Names() {
		k, _ := s.registry.Lookup(name)
		kinds = append(kinds, kind{Name: k.Name, Required: k.Required, Outputs: k.Outputs})
	}
	respondOK(w, reqID, kinds)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &APIError{Code: ErrValidation, Message: "read body: " + err.Error()})
		return
	}
	doc, err := pipeline.Parse(data)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &APIError{Code: ErrValidation, Message: err.Error()})
		return
	}
	if user := r.Header.Get("X-Username"); user != "" {
		doc.Username = user
	}

	s.submit(w, r, doc, nil)
}

// handleCreateMultiImage creates a multi-image dataset job. With
// ?clone=<job_id> the saved form of that job is the starting point and the
// body, which may then be empty, only overrides the fields it sets.
func (s *Server) handleCreateMultiImage(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req MultiImageRequest
	cloneID := r.URL.Query().Get("clone")
	if cloneID != "" {
		base, err := s.savedForm(cloneID)
		if err != nil {
			status, apiErr := toAPIError(err)
			respondError(w, reqID, status, apiErr)
			return
		}
		req = *base
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !(cloneID != "" && errors.Is(err, io.EOF)) {
		respondError(w, reqID, http.StatusBadRequest, &APIError{Code: ErrValidation, Message: "Invalid JSON body: " + err.Error()})
		return
	}
	if cloneID != "" {
		s.logger.Info("cloning dataset form", "source", cloneID, "request_id", reqID)
	}

	doc, err := pipeline.MultiImageDataset(pipeline.MultiImageForm{
		Name:           req.Name,
		Username:       r.Header.Get("X-Username"),
		Group:          req.Group,
		Method:         req.Method,
		TrainImages:    req.TrainImages,
		TrainLabels:    req.TrainLabels,
		ValImages:      req.ValImages,
		ValLabels:      req.ValLabels,
		MeanFiles:      req.MeanFiles,
		ForceSameShape: req.ForceSameShape,
	})
	if err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}

	form, err := json.Marshal(req)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, &APIError{Code: ErrInternal, Message: err.Error()})
		return
	}
	s.submit(w, r, doc, form)
}

// savedForm returns the multi-image form a job was created from.
func (s *Server) savedForm(jobID string) (*MultiImageRequest, error) {
	info, err := s.sched.Get(jobID)
	if err != nil {
		return nil, err
	}
	if len(info.Form) == 0 {
		return nil, scheduler.NewValidationError(jobID, "job has no saved form to clone")
	}
	var req MultiImageRequest
	if err := json.Unmarshal(info.Form, &req); err != nil {
		return nil, scheduler.NewValidationError(jobID, "saved form is not a multi-image form: "+err.Error())
	}
	return &req, nil
}

// submit builds and registers the job described by doc, keeping form with
// it. If anything fails after the job has an ID, the job is deleted before
// the error is returned.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, doc *pipeline.Document, form json.RawMessage) {
	reqID := RequestIDFromContext(r.Context())

	job, err := pipeline.Build(doc, s.registry)
	if err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}
	job.Form = form

	fail := func(err error) {
		if !errors.Is(err, scheduler.ErrJobExists) {
			if derr := s.sched.Delete(job.ID); derr != nil {
				s.logger.Warn("cleanup after failed submission", "job", job.ID, "error", derr)
			}
		}
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
	}

	id, err := s.sched.Add(r.Context(), job)
	if err != nil {
		fail(err)
		return
	}
	info, err := s.sched.Get(id)
	if err != nil {
		fail(err)
		return
	}

	s.logger.Info("job created", "job", id, "name", info.Name, "tasks", len(info.Tasks), "request_id", reqID)
	respondCreated(w, reqID, summarize(info))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobs := s.sched.List()
	out := make([]JobSummary, len(jobs))
	for i, info := range jobs {
		out[i] = summarize(info)
	}
	respondOK(w, reqID, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	info, err := s.sched.Get(chi.URLParam(r, "id"))
	if err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}
	respondOK(w, reqID, info)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	info, err := s.sched.Get(chi.URLParam(r, "id"))
	if err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}
	respondOK(w, reqID, StatusReply{ID: info.ID, Status: info.Status, Progress: info.Progress})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := s.sched.Get(id); err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}
	if err := s.sched.Delete(id); err != nil {
		status, apiErr := toAPIError(err)
		respondError(w, reqID, status, apiErr)
		return
	}
	s.logger.Info("job deleted", "job", id, "request_id", reqID)
	respondOK(w, reqID, map[string]any{"job_id": id, "deleted": true})
}
