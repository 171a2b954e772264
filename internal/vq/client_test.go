package vq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vq-worker/internal/config"
	"vq-worker/internal/models"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := config.Config{
		VQURL:            srv.URL,
		VQKey:            "test-key",
		ServiceName:      "pdf-merge",
		HTTPTimeout:      2 * time.Second,
		OrganisationUUID: uuid.MustParse("5471ef92-5c66-4355-88fe-b33a9cebda09"),
	}
	return New(cfg, zerolog.Nop())
}

func TestRegisterSendsCredentials(t *testing.T) {
	workerUUID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/jobs/register" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-API-KEY"); got != "test-key" {
			t.Errorf("missing api key, got %q", got)
		}
		var reg Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			t.Errorf("decode registration: %v", err)
		}
		if reg.ServiceName != "pdf-merge" {
			t.Errorf("unexpected service name %q", reg.ServiceName)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": workerUUID.String()})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	if err := c.Register(context.Background(), Registration{ServiceName: "pdf-merge", Channel: "generic"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if c.WorkerUUID() != workerUUID {
		t.Fatalf("worker uuid not stored: got %s want %s", c.WorkerUUID(), workerUUID)
	}
}

func TestClaimNextNoJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	opt, err := c.ClaimNext(context.Background(), 600*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if opt.IsPresent() {
		t.Fatal("expected no job")
	}
}

func TestClaimNextParsesJob(t *testing.T) {
	taskUUID := uuid.New()
	claimUUID := uuid.New()
	fileA := uuid.New()
	fileB := uuid.New()
	org := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("claimDuration"); got != "600" {
			t.Errorf("claimDuration = %q, want 600", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"claimUuid":    claimUUID.String(),
			"claimExpires": time.Now().Add(10 * time.Minute).Format(time.RFC3339),
			"taskUuid":     taskUUID.String(),
			"taskToken":    "tok",
			"taskService":  "pdf-merge",
			"taskConfiguration": map[string]any{
				"filesToMerge":      []string{fileA.String(), fileB.String()},
				"destinationFolder": uuid.New().String(),
				"outputName":        "out.pdf",
				"organisationUuid":  org.String(),
			},
			"taskRetries":    3,
			"taskRetryCount": 1,
		})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	opt, err := c.ClaimNext(context.Background(), 600*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	job, ok := opt.Get()
	if !ok {
		t.Fatal("expected a job")
	}
	if job.TaskUUID != taskUUID || job.ClaimUUID != claimUUID {
		t.Fatalf("identity mismatch: %+v", job)
	}
	if job.Type != "pdf-merge" {
		t.Fatalf("type = %q", job.Type)
	}
	if len(job.InputFiles) != 2 || job.InputFiles[0] != fileA || job.InputFiles[1] != fileB {
		t.Fatalf("input files = %v", job.InputFiles)
	}
	if job.OrganisationUUID != org {
		t.Fatalf("organisation not taken from configuration: %s", job.OrganisationUUID)
	}
}

func TestClaimNextAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.ClaimNext(context.Background(), time.Minute)
	if !models.IsAuth(err) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestClaimNextTransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	_, err := c.ClaimNext(context.Background(), time.Minute)
	if !models.IsTransient(err) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestReportSuccessIdempotent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls > 1 {
			// Already terminal on the queue side.
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	job := models.Job{TaskUUID: uuid.New(), ClaimUUID: uuid.New()}
	if err := c.ReportSuccess(context.Background(), job, nil); err != nil {
		t.Fatalf("first report: %v", err)
	}
	if err := c.ReportSuccess(context.Background(), job, nil); err != nil {
		t.Fatalf("duplicate report must be accepted: %v", err)
	}
}

func TestReportFailureSendsTaxonomy(t *testing.T) {
	var got failureReport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("claimUuid"); got == "" {
			t.Error("claimUuid missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode failure report: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	job := models.Job{TaskUUID: uuid.New(), ClaimUUID: uuid.New()}
	if err := c.ReportFailure(context.Background(), job, models.ErrKindUnknownJobType, "no handler", false); err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if got.ErrorKind != models.ErrKindUnknownJobType || got.Retryable {
		t.Fatalf("unexpected report body: %+v", got)
	}
}

func TestRenewLeaseStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("extension"); got != "600" {
			t.Errorf("extension = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}))
	defer srv.Close()

	c := testClient(t, srv)
	status, err := c.RenewLease(context.Background(), models.Job{TaskUUID: uuid.New(), ClaimUUID: uuid.New()}, 600*time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if status != models.ClaimStatusCancelled {
		t.Fatalf("status = %q", status)
	}
}
