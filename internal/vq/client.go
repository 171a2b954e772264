// Package vq implements the client for the VQ jobs system: worker
// registration, claim polling, heartbeats, terminal reports, and input
// and output file transfer through the VQ file service.
package vq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/mo"

	"vq-worker/internal/config"
	"vq-worker/internal/models"
	"vq-worker/internal/version"
)

// Client talks to the VQ jobs and files APIs. All requests carry the
// X-API-KEY credential and a build-provenance User-Agent.
type Client struct {
	baseURL          string
	apiKey           string
	userAgent        string
	organisationUUID uuid.UUID
	httpClient       *http.Client
	log              zerolog.Logger

	workerUUID uuid.UUID
}

// New builds a Client from config. Register must be called before any
// claim or report operation.
func New(cfg config.Config, log zerolog.Logger) *Client {
	return &Client{
		baseURL:          cfg.VQURL,
		apiKey:           cfg.VQKey,
		userAgent:        version.UserAgent(cfg.ServiceName),
		organisationUUID: cfg.OrganisationUUID,
		httpClient:       &http.Client{Timeout: cfg.HTTPTimeout},
		log:              log,
	}
}

// WorkerUUID returns the identity assigned by Register.
func (c *Client) WorkerUUID() uuid.UUID {
	return c.workerUUID
}

// Registration describes this worker to the jobs system.
type Registration struct {
	ServiceName  string `json:"serviceName"`
	Channel      string `json:"channel"`
	FriendlyName string `json:"friendlyName,omitempty"`
	MajorVersion int    `json:"majorVersion"`
	MinorVersion int    `json:"minorVersion"`
	PatchVersion int    `json:"patchVersion"`
}

type workerRecord struct {
	UUID uuid.UUID `json:"uuid"`
}

// Register announces the worker to the jobs system and stores the
// assigned worker UUID for subsequent calls.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	var rec workerRecord
	if err := c.postJSON(ctx, "register worker", c.apiURL("/api/v1/jobs/register", nil), reg, &rec); err != nil {
		return err
	}
	c.workerUUID = rec.UUID
	c.log.Info().Str("worker_uuid", rec.UUID.String()).Msg("worker registered")
	return nil
}

// Deactivate tells the jobs system this worker is going away. Called on
// shutdown regardless of outcome.
func (c *Client) Deactivate(ctx context.Context) error {
	if c.workerUUID == uuid.Nil {
		return nil
	}
	path := fmt.Sprintf("/api/v1/jobs/%s/deactivate", c.workerUUID)
	return c.postJSON(ctx, "deactivate worker", c.apiURL(path, nil), nil, nil)
}

// claimResponse mirrors the jobs-system claim payload (camelCase wire
// format).
type claimResponse struct {
	ClaimUUID         uuid.UUID      `json:"claimUuid"`
	ClaimExpires      time.Time      `json:"claimExpires"`
	TaskUUID          uuid.UUID      `json:"taskUuid"`
	TaskToken         string         `json:"taskToken"`
	TaskService       string         `json:"taskService"`
	TaskConfiguration map[string]any `json:"taskConfiguration"`
	TaskRetries       int            `json:"taskRetries"`
	TaskRetryCount    int            `json:"taskRetryCount"`
}

// ClaimNext asks the jobs system for the next available job. None means
// nothing is queued right now, which is not an error.
func (c *Client) ClaimNext(ctx context.Context, claimDuration time.Duration) (mo.Option[models.Job], error) {
	path := fmt.Sprintf("/api/v1/jobs/%s/poll", c.workerUUID)
	u := c.apiURL(path, url.Values{"claimDuration": {fmt.Sprintf("%d", int(claimDuration.Seconds()))}})

	resp, err := c.do(ctx, http.MethodPost, u, nil, "")
	if err != nil {
		return mo.None[models.Job](), &models.TransientError{Op: "claim next job", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return mo.None[models.Job](), nil
	}
	if resp.StatusCode != http.StatusOK {
		return mo.None[models.Job](), models.ClassifyStatus("claim next job", resp.StatusCode)
	}

	var claim claimResponse
	if err := json.NewDecoder(resp.Body).Decode(&claim); err != nil {
		return mo.None[models.Job](), fmt.Errorf("decode claim response: %w", err)
	}
	// Some deployments answer an empty 200 instead of 204 when idle.
	if claim.TaskUUID == uuid.Nil {
		return mo.None[models.Job](), nil
	}

	job, err := c.jobFromClaim(claim)
	if err != nil {
		return mo.None[models.Job](), err
	}
	return mo.Some(job), nil
}

func (c *Client) jobFromClaim(claim claimResponse) (models.Job, error) {
	job := models.Job{
		TaskUUID:     claim.TaskUUID,
		ClaimUUID:    claim.ClaimUUID,
		TaskToken:    claim.TaskToken,
		Type:         claim.TaskService,
		Params:       claim.TaskConfiguration,
		ClaimedAt:    time.Now().UTC(),
		ClaimExpires: claim.ClaimExpires,
		Retries:      claim.TaskRetries,
		RetryCount:   claim.TaskRetryCount,
	}

	job.OrganisationUUID = c.organisationUUID
	if org, ok := job.UUIDParam("organisationUuid"); ok {
		job.OrganisationUUID = org
	}

	// Input references live in the task configuration; filesToMerge is
	// the original key used by pdf-merge tasks, inputFiles the generic one.
	for _, key := range []string{"inputFiles", "filesToMerge"} {
		raw, ok := claim.TaskConfiguration[key].([]any)
		if !ok {
			continue
		}
		for _, entry := range raw {
			s, ok := entry.(string)
			if !ok {
				return models.Job{}, fmt.Errorf("task %s: %s entry is not a string", claim.TaskUUID, key)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return models.Job{}, fmt.Errorf("task %s: parse input file uuid %q: %w", claim.TaskUUID, s, err)
			}
			job.InputFiles = append(job.InputFiles, id)
		}
		break
	}
	return job, nil
}

type heartbeatResponse struct {
	Status string `json:"status"`
}

// RenewLease extends the claim on a running job and returns the claim
// status the jobs system reports ("in progress", or "cancelled" when the
// job was cancelled remotely).
func (c *Client) RenewLease(ctx context.Context, job models.Job, extension time.Duration) (string, error) {
	path := fmt.Sprintf("/api/v1/jobs/tasks/%s/poll", job.TaskUUID)
	u := c.apiURL(path, url.Values{
		"workerUuid": {c.workerUUID.String()},
		"claimUuid":  {job.ClaimUUID.String()},
		"extension":  {fmt.Sprintf("%d", int(extension.Seconds()))},
	})

	var hb heartbeatResponse
	if err := c.postJSON(ctx, "renew lease", u, nil, &hb); err != nil {
		return "", err
	}
	return hb.Status, nil
}

// ReportSuccess marks the job complete. Idempotent: a job already in a
// terminal state is treated as success.
func (c *Client) ReportSuccess(ctx context.Context, job models.Job, outputs []models.AssetRef) error {
	path := fmt.Sprintf("/api/v1/jobs/%s/complete/%s", c.workerUUID, job.TaskUUID)
	u := c.apiURL(path, url.Values{"claimUuid": {job.ClaimUUID.String()}})

	body := map[string]any{}
	if len(outputs) > 0 {
		body["outputs"] = outputs
	}
	return c.postTerminal(ctx, "report success", u, body)
}

// failureReport is the body sent on job return. Servers that predate the
// taxonomy ignore it; the query parameters alone carry the original
// return semantics.
type failureReport struct {
	ErrorKind models.ErrorKind `json:"errorKind"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

// ReportFailure returns the job to the queue with a failure description.
// Idempotent in the same way as ReportSuccess.
func (c *Client) ReportFailure(ctx context.Context, job models.Job, kind models.ErrorKind, message string, retryable bool) error {
	path := fmt.Sprintf("/api/v1/jobs/%s/return/%s", c.workerUUID, job.TaskUUID)
	u := c.apiURL(path, url.Values{"claimUuid": {job.ClaimUUID.String()}})
	return c.postTerminal(ctx, "report failure", u, failureReport{
		ErrorKind: kind,
		Message:   message,
		Retryable: retryable,
	})
}

// postTerminal posts a terminal status report. Conflict/gone responses
// mean the job is already terminal on the queue side and are accepted
// silently; the queue service is the source of truth.
func (c *Client) postTerminal(ctx context.Context, op, u string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: marshal body: %w", op, err)
	}
	resp, err := c.do(ctx, http.MethodPost, u, bytes.NewReader(payload), "application/json")
	if err != nil {
		return &models.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusGone:
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("job already terminal, report ignored")
		return nil
	default:
		return models.ClassifyStatus(op, resp.StatusCode)
	}
}

// postJSON posts body (if non-nil) and decodes the response into out
// (if non-nil). Non-2xx statuses are classified into the error taxonomy.
func (c *Client) postJSON(ctx context.Context, op, u string, body, out any) error {
	var reader io.Reader
	contentType := ""
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	resp, err := c.do(ctx, http.MethodPost, u, reader, contentType)
	if err != nil {
		return &models.TransientError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.ClassifyStatus(op, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("User-Agent", c.userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.httpClient.Do(req)
}

func (c *Client) apiURL(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
