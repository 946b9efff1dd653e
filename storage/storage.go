// Package storage handles persistence of alerts, jobs, preferences and email logs.
//
// Two backends implement the same method set: Postgres for production and a
// JSON document store (Cloud Storage or a local directory) for small
// deployments and development.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"jobalert-notifier/pkg/notifier"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: object doesn't exist")
	// ErrConflict indicates a conditional write lost against a concurrent writer.
	ErrConflict = errors.New("storage: conditional write conflict")
	// ErrLimit indicates the owner already has the maximum number of alerts.
	ErrLimit = errors.New("storage: alert limit reached")
)

const (
	alertPrefix    = "alert-"
	jobPrefix      = "job-"
	profilePrefix  = "profile-"
	prefPrefix     = "pref-"
	emailLogPrefix = "emaillog-"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Store keeps each record as a JSON object.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex // serializes read-modify-write in local mode
}

// New creates a document store. When localPath is set, objects are files in
// that directory and client may be nil.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// key builds an object name, rejecting ids that could escape the prefix.
func key(prefix, id string) (string, error) {
	if !idPattern.MatchString(id) {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return prefix + id + ".json", nil
}

// IsNotFound checks if an error indicates a record was not found.
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// is also matches on message because retry's aggregated errors do not
// always unwrap to the sentinel.
func is(err, target error) bool {
	return err != nil && (errors.Is(err, target) || strings.Contains(err.Error(), target.Error()))
}

// CreateAlert stores a new alert. It fails if the id already exists.
func (s *Store) CreateAlert(ctx context.Context, alert *notifier.Alert) error {
	k, err := key(alertPrefix, alert.ID)
	if err != nil {
		return err
	}
	if err := s.put(ctx, k, alert, writeCond{doesNotExist: true}); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("alert %s already exists: %w", alert.ID, err)
		}
		return err
	}
	s.logger.Debug("Alert stored", "key", k, "owner_id", alert.OwnerID)
	return nil
}

// CreateAlertWithin stores a new alert unless its owner already has limit
// alerts. In local mode the count and the write share one lock. Cloud Storage
// has no multi-object precondition, so there racing creates by the same
// owner can overshoot the limit by the number of racers. A limit <= 0
// disables the check.
func (s *Store) CreateAlertWithin(ctx context.Context, alert *notifier.Alert, limit int) error {
	if limit <= 0 {
		return s.CreateAlert(ctx, alert)
	}
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	owned, err := s.ListAlerts(ctx, alert.OwnerID)
	if err != nil {
		return fmt.Errorf("count alerts: %w", err)
	}
	if len(owned) >= limit {
		return ErrLimit
	}
	return s.CreateAlert(ctx, alert)
}

// Alert loads an alert by id.
func (s *Store) Alert(ctx context.Context, id string) (*notifier.Alert, error) {
	k, err := key(alertPrefix, id)
	if err != nil {
		return nil, ErrNotFound
	}
	var a notifier.Alert
	if _, err := s.get(ctx, k, &a); err != nil {
		return nil, err
	}
	if err := checkAlert(&a); err != nil {
		return nil, fmt.Errorf("alert %s: %w", id, err)
	}
	return &a, nil
}

// UpdateAlert writes the owner-editable fields of alert. The stored
// LastSentAt and CreatedAt are preserved so a concurrent dispatch is never
// overwritten. Unknown ids and foreign owners return ErrNotFound.
func (s *Store) UpdateAlert(ctx context.Context, alert *notifier.Alert) error {
	k, err := key(alertPrefix, alert.ID)
	if err != nil {
		return ErrNotFound
	}
	return s.modify(ctx, k, func(stored *notifier.Alert) error {
		if stored.OwnerID != alert.OwnerID {
			return ErrNotFound
		}
		lastSent, created := stored.LastSentAt, stored.CreatedAt
		*stored = *alert
		stored.LastSentAt, stored.CreatedAt = lastSent, created
		return nil
	})
}

// DeleteAlert removes an alert owned by ownerID. Missing or foreign alerts
// are left alone and no error is returned.
func (s *Store) DeleteAlert(ctx context.Context, id, ownerID string) error {
	existing, err := s.Alert(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return nil
		}
		return err
	}
	if existing.OwnerID != ownerID {
		return nil
	}
	k, _ := key(alertPrefix, id)
	return s.remove(ctx, k)
}

// ListAlerts returns every alert owned by ownerID, oldest first.
func (s *Store) ListAlerts(ctx context.Context, ownerID string) ([]*notifier.Alert, error) {
	return s.alerts(ctx, func(a *notifier.Alert) bool { return a.OwnerID == ownerID })
}

// ListActiveDue returns active alerts of frequency whose cadence window has
// elapsed at asOf.
func (s *Store) ListActiveDue(ctx context.Context, frequency notifier.Frequency, asOf time.Time) ([]*notifier.Alert, error) {
	return s.alerts(ctx, func(a *notifier.Alert) bool {
		return a.Frequency == frequency && a.IsDue(asOf)
	})
}

// ListActive returns every active alert of frequency.
func (s *Store) ListActive(ctx context.Context, frequency notifier.Frequency) ([]*notifier.Alert, error) {
	return s.alerts(ctx, func(a *notifier.Alert) bool {
		return a.Frequency == frequency && a.IsActive
	})
}

// AdvanceLastSent moves an alert's LastSentAt from expected to to. It
// returns ErrConflict when the stored value no longer equals expected.
func (s *Store) AdvanceLastSent(ctx context.Context, alertID string, expected *time.Time, to time.Time) error {
	if expected != nil && to.Before(*expected) {
		return fmt.Errorf("last_sent_at cannot move backwards from %s to %s", expected.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	k, err := key(alertPrefix, alertID)
	if err != nil {
		return ErrNotFound
	}
	return s.modify(ctx, k, func(stored *notifier.Alert) error {
		if !sameInstant(stored.LastSentAt, expected) {
			return ErrConflict
		}
		t := to.UTC()
		stored.LastSentAt = &t
		return nil
	})
}

// CandidateJobs returns active jobs created in (after, upTo], oldest first.
// A job that cannot be read fails the whole call so the caller's window is
// never narrowed past it.
func (s *Store) CandidateJobs(ctx context.Context, after, upTo time.Time) ([]*notifier.Job, error) {
	names, err := s.keys(ctx, jobPrefix)
	if err != nil {
		return nil, err
	}

	var jobs []*notifier.Job
	for _, name := range names {
		var j notifier.Job
		if _, err := s.get(ctx, name, &j); err != nil {
			// Deleted between listing and read.
			if IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load job %s: %w", name, err)
		}
		if err := checkJob(&j); err != nil {
			s.logger.Warn("Skipping job with invalid fields", "key", name, "error", err)
			continue
		}
		if j.Status != notifier.JobStatusActive || !j.CreatedAt.After(after) || j.CreatedAt.After(upTo) {
			continue
		}
		jobs = append(jobs, &j)
	}

	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.Before(jobs[k].CreatedAt) })
	return jobs, nil
}

// Job loads a job by id.
func (s *Store) Job(ctx context.Context, id string) (*notifier.Job, error) {
	k, err := key(jobPrefix, id)
	if err != nil {
		return nil, ErrNotFound
	}
	var j notifier.Job
	if _, err := s.get(ctx, k, &j); err != nil {
		return nil, err
	}
	if err := checkJob(&j); err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return &j, nil
}

// SaveJob writes a job. Jobs are owned by the job board; this exists for
// imports and local development.
func (s *Store) SaveJob(ctx context.Context, job *notifier.Job) error {
	k, err := key(jobPrefix, job.ID)
	if err != nil {
		return err
	}
	return s.put(ctx, k, job, writeCond{})
}

// Profile loads a profile by id.
func (s *Store) Profile(ctx context.Context, id string) (*notifier.Profile, error) {
	k, err := key(profilePrefix, id)
	if err != nil {
		return nil, ErrNotFound
	}
	var p notifier.Profile
	if _, err := s.get(ctx, k, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes a profile.
func (s *Store) SaveProfile(ctx context.Context, p *notifier.Profile) error {
	k, err := key(profilePrefix, p.ID)
	if err != nil {
		return err
	}
	return s.put(ctx, k, p, writeCond{})
}

// Preference loads the notification preference for ownerID. A missing
// record returns nil and no error.
func (s *Store) Preference(ctx context.Context, ownerID string) (*notifier.Preference, error) {
	k, err := key(prefPrefix, ownerID)
	if err != nil {
		return nil, nil
	}
	var p notifier.Preference
	if _, err := s.get(ctx, k, &p); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// SavePreference writes a notification preference.
func (s *Store) SavePreference(ctx context.Context, p *notifier.Preference) error {
	k, err := key(prefPrefix, p.OwnerID)
	if err != nil {
		return err
	}
	return s.put(ctx, k, p, writeCond{})
}

// AppendEmailLog stores a new email log entry.
func (s *Store) AppendEmailLog(ctx context.Context, entry *notifier.EmailLog) error {
	k, err := key(emailLogPrefix, entry.ID)
	if err != nil {
		return err
	}
	return s.put(ctx, k, entry, writeCond{doesNotExist: true})
}

// EmailLogs returns all email log entries for alertID, oldest first.
func (s *Store) EmailLogs(ctx context.Context, alertID string) ([]*notifier.EmailLog, error) {
	names, err := s.keys(ctx, emailLogPrefix)
	if err != nil {
		return nil, err
	}
	var logs []*notifier.EmailLog
	for _, name := range names {
		var e notifier.EmailLog
		if _, err := s.get(ctx, name, &e); err != nil {
			s.logger.Warn("Failed to load email log", "key", name, "error", err)
			continue
		}
		if e.AlertID == alertID {
			logs = append(logs, &e)
		}
	}
	sort.Slice(logs, func(i, k int) bool { return logs[i].SentAt.Before(logs[k].SentAt) })
	return logs, nil
}

func (s *Store) alerts(ctx context.Context, keep func(*notifier.Alert) bool) ([]*notifier.Alert, error) {
	names, err := s.keys(ctx, alertPrefix)
	if err != nil {
		return nil, err
	}

	var out []*notifier.Alert
	for _, name := range names {
		var a notifier.Alert
		if _, err := s.get(ctx, name, &a); err != nil {
			s.logger.Warn("Failed to load alert", "key", name, "error", err)
			continue
		}
		if err := checkAlert(&a); err != nil {
			s.logger.Warn("Skipping alert with invalid fields", "key", name, "error", err)
			continue
		}
		if keep(&a) {
			out = append(out, &a)
		}
	}

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// modify performs a conditional read-modify-write of one alert.
func (s *Store) modify(ctx context.Context, k string, fn func(*notifier.Alert) error) error {
	if s.localPath != "" {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	var a notifier.Alert
	gen, err := s.get(ctx, k, &a)
	if err != nil {
		return err
	}
	if err := fn(&a); err != nil {
		return err
	}
	return s.put(ctx, k, &a, writeCond{generation: gen})
}

// writeCond is a precondition for put. generation is only honoured by
// Cloud Storage; local mode relies on s.mu.
type writeCond struct {
	generation   int64
	doesNotExist bool
}

func (s *Store) put(ctx context.Context, k string, v any, cond writeCond) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", k, err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, k)
		if cond.doesNotExist {
			if _, err := os.Stat(filePath); err == nil {
				return ErrConflict
			}
		}
		tmp := filePath + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filePath); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			obj := s.client.Bucket(s.bucket).Object(k)
			switch {
			case cond.doesNotExist:
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			case cond.generation != 0:
				obj = obj.If(storage.Conditions{GenerationMatch: cond.generation})
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					return retry.Unrecoverable(ErrConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", k, "error", retryErr)
		}),
	)
	if err != nil {
		if is(err, ErrConflict) {
			return ErrConflict
		}
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// get decodes object k into v and returns its generation (0 in local mode).
func (s *Store) get(ctx context.Context, k string, v any) (int64, error) {
	var data []byte
	var gen int64

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(filepath.Join(s.localPath, k))
		if err != nil {
			if os.IsNotExist(err) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(k).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(ErrNotFound)
					}
					return fmt.Errorf("open storage reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						s.logger.Warn("Failed to close storage reader", "error", closeErr)
					}
				}()

				readData, readErr := io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from storage: %w", readErr)
				}
				data = readData
				gen = r.Attrs.Generation
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying load operation after error", "attempt", n, "key", k, "error", retryErr)
			}),
		)
		if err != nil {
			if is(err, ErrNotFound) {
				return 0, ErrNotFound
			}
			return 0, fmt.Errorf("load after retries: %w", err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", k, err)
	}
	return gen, nil
}

func (s *Store) remove(ctx context.Context, k string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, k)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(k).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying delete operation after error", "attempt", n, "key", k, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// keys lists object names with prefix, sorted.
func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		return names, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}
	sort.Strings(names)
	return names, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// checkAlert rejects documents whose enum fields hold unknown values.
func checkAlert(a *notifier.Alert) error {
	if _, err := notifier.ParseFrequency(string(a.Frequency)); err != nil {
		return err
	}
	if a.JobType != nil {
		if _, err := notifier.ParseJobType(string(*a.JobType)); err != nil {
			return err
		}
	}
	if a.ExperienceLevel != nil {
		if _, err := notifier.ParseExperienceLevel(string(*a.ExperienceLevel)); err != nil {
			return err
		}
	}
	if a.SalaryMin != nil && *a.SalaryMin < 0 {
		return fmt.Errorf("negative salary_min %d", *a.SalaryMin)
	}
	return nil
}

// checkJob rejects documents with an unknown status. Unknown job types or
// experience levels are cleared so they simply fail equality filters.
func checkJob(j *notifier.Job) error {
	if _, err := notifier.ParseJobStatus(string(j.Status)); err != nil {
		return err
	}
	if j.JobType != "" {
		if _, err := notifier.ParseJobType(string(j.JobType)); err != nil {
			j.JobType = ""
		}
	}
	if j.ExperienceLevel != "" {
		if _, err := notifier.ParseExperienceLevel(string(j.ExperienceLevel)); err != nil {
			j.ExperienceLevel = ""
		}
	}
	return nil
}
