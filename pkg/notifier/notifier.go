// Package notifier contains the core domain types for the job alert service.
package notifier

import (
	"fmt"
	"time"
)

// Frequency is how often an alert is batched into a digest.
type Frequency string

const (
	FrequencyInstant Frequency = "instant"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
)

// ParseFrequency converts a stored string into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(s); f {
	case FrequencyInstant, FrequencyDaily, FrequencyWeekly:
		return f, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

// Period returns the minimum time between two digests of a polled tier.
// Instant alerts are event-driven and have no period.
func (f Frequency) Period() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// JobType is the employment type of a posting.
type JobType string

const (
	JobTypeFullTime  JobType = "Full-Time"
	JobTypePartTime  JobType = "Part-Time"
	JobTypeContract  JobType = "Contract"
	JobTypeFreelance JobType = "Freelance"
)

// ParseJobType converts a stored string into a JobType.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobTypeFullTime, JobTypePartTime, JobTypeContract, JobTypeFreelance:
		return t, nil
	default:
		return "", fmt.Errorf("unknown job type %q", s)
	}
}

// ExperienceLevel is the seniority a posting targets.
type ExperienceLevel string

const (
	ExperienceEntry  ExperienceLevel = "Entry Level"
	ExperienceMid    ExperienceLevel = "Mid Level"
	ExperienceSenior ExperienceLevel = "Senior Level"
	ExperienceLead   ExperienceLevel = "Lead"
)

// ParseExperienceLevel converts a stored string into an ExperienceLevel.
func ParseExperienceLevel(s string) (ExperienceLevel, error) {
	switch l := ExperienceLevel(s); l {
	case ExperienceEntry, ExperienceMid, ExperienceSenior, ExperienceLead:
		return l, nil
	default:
		return "", fmt.Errorf("unknown experience level %q", s)
	}
}

// JobStatus is the publication state of a posting.
type JobStatus string

const (
	JobStatusActive  JobStatus = "active"
	JobStatusDraft   JobStatus = "draft"
	JobStatusPaused  JobStatus = "paused"
	JobStatusClosed  JobStatus = "closed"
	JobStatusExpired JobStatus = "expired"
)

// ParseJobStatus converts a stored string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobStatusActive, JobStatusDraft, JobStatusPaused, JobStatusClosed, JobStatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// EmailType and EmailStatus values written to the email log.
const (
	EmailTypeJobAlert = "job_alert"
	EmailStatusSent   = "sent"
)

// Alert is a job seeker's saved search.
type Alert struct {
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	LastSentAt      *time.Time       `json:"last_sent_at"`  // Watermark of the last dispatched digest
	JobType         *JobType         `json:"job_type"`      // nil means any
	ExperienceLevel *ExperienceLevel `json:"experience_level"`
	SalaryMin       *int             `json:"salary_min"`
	ID              string           `json:"id"`
	OwnerID         string           `json:"owner_id"`
	Title           string           `json:"title"`
	Location        string           `json:"location"`
	Frequency       Frequency        `json:"frequency"`
	Keywords        []string         `json:"keywords"`
	RemoteOnly      bool             `json:"remote_only"`
	IsActive        bool             `json:"is_active"`
}

// Watermark returns the lower bound for "new since last check" job selection.
func (a *Alert) Watermark() time.Time {
	if a.LastSentAt != nil {
		return *a.LastSentAt
	}
	return a.CreatedAt
}

// IsDue reports whether a polled alert's cadence window has elapsed at asOf.
// Inactive and instant alerts are never due; instant alerts are event-driven.
func (a *Alert) IsDue(asOf time.Time) bool {
	if !a.IsActive {
		return false
	}
	period := a.Frequency.Period()
	if period == 0 {
		return false
	}
	if a.LastSentAt == nil {
		return true
	}
	return asOf.Sub(*a.LastSentAt) >= period
}

// Job is a posting as read from the jobs table.
type Job struct {
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SalaryMin       *int            `json:"salary_min"`
	SalaryMax       *int            `json:"salary_max"`
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	Description     string          `json:"description"` // May contain HTML from the posting editor
	Location        string          `json:"location"`
	CompanyName     string          `json:"company_name"`
	JobType         JobType         `json:"job_type"`
	ExperienceLevel ExperienceLevel `json:"experience_level"`
	Status          JobStatus       `json:"status"`
	Remote          bool            `json:"remote"`
}

// Profile is the owner of an alert and recipient of its digests.
type Profile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Preference holds per-profile notification gates.
type Preference struct {
	OwnerID        string `json:"owner_id"`
	EmailJobAlerts bool   `json:"email_job_alerts"`
}

// EmailLog is an append-only audit record of a dispatched email.
type EmailLog struct {
	SentAt    time.Time `json:"sent_at"`
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	Recipient string    `json:"recipient"`
	Type      string    `json:"type"`
	Subject   string    `json:"subject"`
	Status    string    `json:"status"`
	MessageID string    `json:"message_id"`
}
