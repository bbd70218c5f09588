// Package sync implements the polling loop against the coordination server:
// fetch active job requests, feed them to the expander, and report the state
// of every job belonging to an active request back up.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opensafely.org/jobrunner/go/config"
	"go.opensafely.org/jobrunner/go/db"
	"go.opensafely.org/jobrunner/go/expand"
	"go.opensafely.org/jobrunner/go/httputils"
	"go.opensafely.org/jobrunner/go/metrics2"
	"go.opensafely.org/jobrunner/go/skerr"
	"go.opensafely.org/jobrunner/go/sklog"
	"go.opensafely.org/jobrunner/go/types"
	"go.opensafely.org/jobrunner/go/util"
)

// Syncer polls the coordination server for one backend.
type Syncer struct {
	DB       *db.DB
	Expander *expand.Expander
	Cfg      *config.Config

	// getClient retries transient failures; a missed poll is invisible as
	// long as the fetch eventually lands.
	getClient *http.Client
	// postClient does not retry: job snapshots go stale quickly and the
	// next tick re-sends fresher ones anyway.
	postClient *http.Client

	liveness metrics2.Liveness
	synced   metrics2.Int64Metric
}

// New constructs a Syncer.
func New(d *db.DB, expander *expand.Expander, cfg *config.Config) *Syncer {
	return &Syncer{
		DB:         d,
		Expander:   expander,
		Cfg:        cfg,
		getClient:  httputils.NewBackOffClient(),
		postClient: httputils.NewTimeoutClient(),
		liveness:   metrics2.NewLiveness("jobrunner_sync_loop", map[string]string{"backend": cfg.Backend}),
		synced:     metrics2.GetInt64Metric("jobrunner_synced_jobs", map[string]string{"backend": cfg.Backend}),
	}
}

// Loop polls until the context is cancelled.
func (s *Syncer) Loop(ctx context.Context) {
	sklog.Infof("Polling for job requests at %s/job-requests/", strings.TrimRight(s.Cfg.JobServerEndpoint, "/"))
	util.RepeatCtx(ctx, s.Cfg.PollInterval, func(ctx context.Context) {
		if err := s.Once(ctx); err != nil {
			sklog.Errorf("Sync failed: %s", err)
		}
	})
}

// Once performs a single sync pass. A failure to process one job request is
// logged and does not block the rest: the next pass retries it.
func (s *Syncer) Once(ctx context.Context) error {
	jobRequests, err := s.fetchJobRequests(ctx)
	if err != nil {
		return err
	}
	if len(jobRequests) == 0 {
		s.liveness.Reset()
		return nil
	}

	for _, jr := range jobRequests {
		if err := s.Expander.CreateOrUpdateJobs(ctx, jr); err != nil {
			sklog.Errorf("Error processing job request %s: %s", jr.ID, err)
		}
	}

	// Report every job belonging to a request which either side still
	// considers active: the server's set plus our own.
	ids := make([]string, 0, len(jobRequests))
	seen := map[string]bool{}
	for _, jr := range jobRequests {
		if !seen[jr.ID] {
			seen[jr.ID] = true
			ids = append(ids, jr.ID)
		}
	}
	active, err := s.DB.ActiveJobs(ctx, s.Cfg.Backend)
	if err != nil {
		return err
	}
	for _, job := range active {
		if !seen[job.JobRequestID] {
			seen[job.JobRequestID] = true
			ids = append(ids, job.JobRequestID)
		}
	}
	jobs, err := s.DB.JobsForRequests(ctx, ids)
	if err != nil {
		return err
	}
	if err := s.postJobs(ctx, jobs); err != nil {
		return err
	}
	s.synced.Update(int64(len(jobs)))
	s.liveness.Reset()
	return nil
}

// remoteJobRequest is the coordination server's wire format.
type remoteJobRequest struct {
	Identifier           interface{} `json:"identifier"`
	Sha                  string      `json:"sha"`
	RequestedActions     []string    `json:"requested_actions"`
	CancelledActions     []string    `json:"cancelled_actions"`
	CodelistsOK          bool        `json:"codelists_ok"`
	DatabaseName         string      `json:"database_name"`
	ForceRunDependencies bool        `json:"force_run_dependencies"`
	ForceRunFailed       bool        `json:"force_run_failed"`
	Backend              string      `json:"backend"`
	Workspace            struct {
		Name   string `json:"name"`
		Repo   string `json:"repo"`
		Branch string `json:"branch"`
	} `json:"workspace"`
}

func (s *Syncer) fetchJobRequests(ctx context.Context) ([]*types.JobRequest, error) {
	u := s.apiURL("job-requests")
	query := url.Values{}
	query.Set("backend", s.Cfg.Backend)
	query.Set("active", "true")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+query.Encode(), nil)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if err := s.setHeaders(ctx, req); err != nil {
		return nil, err
	}
	resp, err := s.getClient.Do(req)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching job requests")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, skerr.Fmt("fetching job requests: %s: %s", resp.Status, body)
	}

	var payload struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, skerr.Wrapf(err, "decoding job requests")
	}
	rv := make([]*types.JobRequest, 0, len(payload.Results))
	for _, raw := range payload.Results {
		jr, err := jobRequestFromRemote(raw)
		if err != nil {
			return nil, err
		}
		rv = append(rv, jr)
	}
	return rv, nil
}

// jobRequestFromRemote converts one wire-format job request into our internal
// representation, keeping the raw payload verbatim for audit.
func jobRequestFromRemote(raw json.RawMessage) (*types.JobRequest, error) {
	var remote remoteJobRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&remote); err != nil {
		return nil, skerr.Wrapf(err, "decoding job request")
	}
	var original map[string]interface{}
	if err := json.Unmarshal(raw, &original); err != nil {
		return nil, skerr.Wrap(err)
	}
	id := ""
	switch v := remote.Identifier.(type) {
	case string:
		id = v
	case json.Number:
		id = v.String()
	default:
		return nil, skerr.Fmt("job request identifier has unexpected type %T", remote.Identifier)
	}
	return &types.JobRequest{
		ID:                   id,
		RepoURL:              remote.Workspace.Repo,
		Commit:               remote.Sha,
		Branch:               remote.Workspace.Branch,
		RequestedActions:     remote.RequestedActions,
		CancelledActions:     remote.CancelledActions,
		Workspace:            remote.Workspace.Name,
		DatabaseName:         remote.DatabaseName,
		Backend:              remote.Backend,
		ForceRunDependencies: remote.ForceRunDependencies,
		ForceRunFailed:       remote.ForceRunFailed,
		CodelistsOK:          remote.CodelistsOK,
		Original:             original,
	}, nil
}

// remoteJob is the wire format the coordination server expects job snapshots
// in.
type remoteJob struct {
	Identifier    string                 `json:"identifier"`
	JobRequestID  string                 `json:"job_request_id"`
	Action        string                 `json:"action"`
	RunCommand    string                 `json:"run_command"`
	Status        string                 `json:"status"`
	StatusCode    string                 `json:"status_code"`
	StatusMessage string                 `json:"status_message"`
	CreatedAt     string                 `json:"created_at"`
	UpdatedAt     string                 `json:"updated_at"`
	StartedAt     *string                `json:"started_at"`
	CompletedAt   *string                `json:"completed_at"`
	TraceContext  map[string]string      `json:"trace_context"`
	Metrics       map[string]interface{} `json:"metrics"`
	RequiresDB    bool                   `json:"requires_db"`
}

func (s *Syncer) postJobs(ctx context.Context, jobs []*types.Job) error {
	data := make([]*remoteJob, 0, len(jobs))
	for _, job := range jobs {
		rj, err := s.jobToRemote(ctx, job)
		if err != nil {
			return err
		}
		data = append(data, rj)
	}
	body, err := json.Marshal(data)
	if err != nil {
		return skerr.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL("jobs"), bytes.NewReader(body))
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := s.setHeaders(ctx, req); err != nil {
		return err
	}
	resp, err := s.postClient.Do(req)
	if err != nil {
		return skerr.Wrapf(err, "posting %d jobs", len(jobs))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return skerr.Fmt("posting jobs: %s: %s", resp.Status, respBody)
	}
	return nil
}

func (s *Syncer) jobToRemote(ctx context.Context, job *types.Job) (*remoteJob, error) {
	metrics, err := s.jobMetrics(ctx, job)
	if err != nil {
		return nil, err
	}
	return &remoteJob{
		Identifier:    job.ID,
		JobRequestID:  job.JobRequestID,
		Action:        job.Action,
		RunCommand:    job.RunCommand,
		Status:        string(job.State),
		StatusCode:    string(job.StatusCode),
		StatusMessage: job.StatusMessage,
		CreatedAt:     isoTimestamp(job.CreatedAt),
		UpdatedAt:     isoTimestamp(job.UpdatedAt),
		StartedAt:     optionalTimestamp(job.StartedAt),
		CompletedAt:   optionalTimestamp(job.CompletedAt),
		TraceContext:  job.TraceContext,
		Metrics:       metrics,
		RequiresDB:    job.RequiresDB,
	}, nil
}

// jobMetrics extracts any metrics payload the executor reported through the
// job's most recent task.
func (s *Syncer) jobMetrics(ctx context.Context, job *types.Job) (map[string]interface{}, error) {
	tasks, err := s.DB.TasksForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	metrics := map[string]interface{}{}
	if len(tasks) == 0 {
		return metrics, nil
	}
	latest := tasks[len(tasks)-1]
	var results struct {
		JobMetrics map[string]interface{} `json:"job_metrics"`
	}
	// Results may be a bare status string rather than JSON; that simply
	// means no metrics were reported.
	if err := json.Unmarshal([]byte(latest.Results), &results); err == nil && results.JobMetrics != nil {
		metrics = results.JobMetrics
	}
	return metrics, nil
}

// setHeaders attaches the auth token and the current flag values. Flags ride
// along on every request so the server's view of e.g. pause state is never
// older than its view of the jobs.
func (s *Syncer) setHeaders(ctx context.Context, req *http.Request) error {
	flags, err := s.DB.AllFlags(ctx, s.Cfg.Backend)
	if err != nil {
		return err
	}
	encoded := map[string]map[string]interface{}{}
	for _, f := range flags {
		encoded[f.ID] = map[string]interface{}{
			"v":  f.Value,
			"ts": isoTimestamp(f.TimestampNs / int64(time.Second)),
		}
	}
	flagsJSON, err := json.Marshal(encoded)
	if err != nil {
		return skerr.Wrap(err)
	}
	req.Header.Set("Authorization", s.Cfg.JobServerToken)
	req.Header.Set("Flags", string(flagsJSON))
	return nil
}

func (s *Syncer) apiURL(path string) string {
	return fmt.Sprintf("%s/%s/", strings.TrimRight(s.Cfg.JobServerEndpoint, "/"), strings.Trim(path, "/"))
}

func isoTimestamp(unix int64) string {
	return util.TimeStamp(time.Unix(unix, 0))
}

func optionalTimestamp(unix int64) *string {
	if unix == 0 {
		return nil
	}
	ts := isoTimestamp(unix)
	return &ts
}
