package models

import (
	"time"

	"github.com/google/uuid"
)

// Job is a claimed unit of work. It is immutable once claimed: the queue
// service has granted this process exclusive ownership until ClaimExpires
// (extended by heartbeats) and every field below is fixed for the life of
// the claim.
type Job struct {
	TaskUUID         uuid.UUID      `json:"taskUuid"`
	ClaimUUID        uuid.UUID      `json:"claimUuid"`
	TaskToken        string         `json:"taskToken"`
	Type             string         `json:"service"`
	OrganisationUUID uuid.UUID      `json:"organisationUuid"`
	InputFiles       []uuid.UUID    `json:"inputFiles"`
	Params           map[string]any `json:"configuration"`
	ClaimedAt        time.Time      `json:"claimedAt"`
	ClaimExpires     time.Time      `json:"claimExpires"`
	Retries          int            `json:"taskRetries"`
	RetryCount       int            `json:"taskRetryCount"`
}

// StringParam returns a string-typed entry of the job configuration.
func (j Job) StringParam(key string) (string, bool) {
	v, ok := j.Params[key].(string)
	return v, ok
}

// UUIDParam parses a configuration entry as a UUID.
func (j Job) UUIDParam(key string) (uuid.UUID, bool) {
	s, ok := j.StringParam(key)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ClaimStatus values reported by the queue service on heartbeat.
const (
	ClaimStatusInProgress = "in progress"
	ClaimStatusCancelled  = "cancelled"
)

// AssetRef points at an asset held by the queue's file service, or at a
// local path staged/produced by a handler.
type AssetRef struct {
	UUID      uuid.UUID `json:"uuid,omitempty"`
	Name      string    `json:"name"`
	LocalPath string    `json:"-"`
}
