// Package alerts manages job seekers' saved alert criteria.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/storage"
)

const maxAlertsPerOwner = 50

var (
	// ErrNotFound is returned for unknown alerts and for alerts owned by
	// someone else, so callers cannot learn whether an id exists.
	ErrNotFound = errors.New("alert not found")
	// ErrValidation wraps field validation failures.
	ErrValidation = errors.New("invalid alert")
	// ErrLimit is returned when an owner already has too many alerts.
	ErrLimit = errors.New("alert limit reached")
)

// Store is the persistence the service needs.
type Store interface {
	CreateAlertWithin(ctx context.Context, alert *notifier.Alert, limit int) error
	Alert(ctx context.Context, id string) (*notifier.Alert, error)
	UpdateAlert(ctx context.Context, alert *notifier.Alert) error
	DeleteAlert(ctx context.Context, id, ownerID string) error
	ListAlerts(ctx context.Context, ownerID string) ([]*notifier.Alert, error)
}

// Fields carries user-editable alert attributes. Nil pointers leave the
// current value untouched on update. An empty JobType or ExperienceLevel
// clears that filter.
type Fields struct {
	Title           *string   `json:"title"`
	Keywords        *[]string `json:"keywords"`
	Location        *string   `json:"location"`
	JobType         *string   `json:"job_type"`
	ExperienceLevel *string   `json:"experience_level"`
	RemoteOnly      *bool     `json:"remote_only"`
	SalaryMin       *int      `json:"salary_min"`
	ClearSalaryMin  bool      `json:"clear_salary_min"`
	Frequency       *string   `json:"frequency"`
}

// rules is the validated view of a merged alert.
type rules struct {
	SalaryMin       *int     `validate:"omitempty,min=0"`
	Title           string   `validate:"required,max=200"`
	Location        string   `validate:"max=200"`
	Frequency       string   `validate:"required,frequency"`
	JobType         string   `validate:"omitempty,job_type"`
	ExperienceLevel string   `validate:"omitempty,experience_level"`
	Keywords        []string `validate:"max=25,dive,required,max=100"`
}

// Service implements owner-scoped CRUD over alerts.
type Service struct {
	store    Store
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an alert service.
func New(store Store, logger *slog.Logger) *Service {
	v := validator.New(validator.WithRequiredStructEnabled())
	RegisterValidators(v)
	return &Service{
		store:    store,
		validate: v,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterValidators registers the enum validators used by alert rules.
func RegisterValidators(v *validator.Validate) {
	_ = v.RegisterValidation("frequency", func(fl validator.FieldLevel) bool {
		_, err := notifier.ParseFrequency(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("job_type", func(fl validator.FieldLevel) bool {
		_, err := notifier.ParseJobType(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("experience_level", func(fl validator.FieldLevel) bool {
		_, err := notifier.ParseExperienceLevel(fl.Field().String())
		return err == nil
	})
}

// Create validates fields and stores a new active alert for ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, f Fields) (*notifier.Alert, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner_id (required)", ErrValidation)
	}

	now := s.now()
	alert := &notifier.Alert{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.apply(alert, f); err != nil {
		return nil, err
	}

	if err := s.store.CreateAlertWithin(ctx, alert, maxAlertsPerOwner); err != nil {
		if errors.Is(err, storage.ErrLimit) {
			s.logger.Warn("Alert limit reached", "owner_id", ownerID, "limit", maxAlertsPerOwner)
			return nil, ErrLimit
		}
		return nil, fmt.Errorf("create alert: %w", err)
	}

	s.logger.Info("Alert created", "alert_id", alert.ID, "owner_id", ownerID, "frequency", alert.Frequency)
	return alert, nil
}

// Get returns one of ownerID's alerts.
func (s *Service) Get(ctx context.Context, id, ownerID string) (*notifier.Alert, error) {
	alert, err := s.store.Alert(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if alert.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return alert, nil
}

// List returns all of ownerID's alerts.
func (s *Service) List(ctx context.Context, ownerID string) ([]*notifier.Alert, error) {
	list, err := s.store.ListAlerts(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	return list, nil
}

// Update applies f to one of ownerID's alerts. Nothing is written when
// validation fails.
func (s *Service) Update(ctx context.Context, id, ownerID string, f Fields) (*notifier.Alert, error) {
	alert, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	if err := s.apply(alert, f); err != nil {
		return nil, err
	}
	alert.UpdatedAt = s.now()

	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}

	s.logger.Info("Alert updated", "alert_id", id, "owner_id", ownerID)
	return alert, nil
}

// SetActive pauses or resumes one of ownerID's alerts.
func (s *Service) SetActive(ctx context.Context, id, ownerID string, active bool) (*notifier.Alert, error) {
	alert, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}

	alert.IsActive = active
	alert.UpdatedAt = s.now()
	if err := s.save(ctx, alert); err != nil {
		return nil, err
	}

	s.logger.Info("Alert active state changed", "alert_id", id, "owner_id", ownerID, "is_active", active)
	return alert, nil
}

// Delete removes one of ownerID's alerts. Deleting an unknown alert, or one
// owned by someone else, succeeds without changing anything.
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if err := s.store.DeleteAlert(ctx, id, ownerID); err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	s.logger.Info("Alert deleted", "alert_id", id, "owner_id", ownerID)
	return nil
}

func (s *Service) save(ctx context.Context, alert *notifier.Alert) error {
	if err := s.store.UpdateAlert(ctx, alert); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("update alert: %w", err)
	}
	return nil
}

// apply merges f into alert and validates the result. alert is left
// unchanged on error.
func (s *Service) apply(alert *notifier.Alert, f Fields) error {
	merged := *alert

	if f.Title != nil {
		merged.Title = strings.TrimSpace(*f.Title)
	}
	if f.Keywords != nil {
		merged.Keywords = NormalizeKeywords(*f.Keywords)
	}
	if f.Location != nil {
		merged.Location = strings.TrimSpace(*f.Location)
	}
	if f.RemoteOnly != nil {
		merged.RemoteOnly = *f.RemoteOnly
	}
	if f.ClearSalaryMin {
		merged.SalaryMin = nil
	} else if f.SalaryMin != nil {
		v := *f.SalaryMin
		merged.SalaryMin = &v
	}

	r := rules{
		Title:     merged.Title,
		Location:  merged.Location,
		Keywords:  merged.Keywords,
		SalaryMin: merged.SalaryMin,
		Frequency: string(merged.Frequency),
	}
	if f.Frequency != nil {
		r.Frequency = strings.TrimSpace(*f.Frequency)
	}
	if merged.JobType != nil {
		r.JobType = string(*merged.JobType)
	}
	if f.JobType != nil {
		r.JobType = strings.TrimSpace(*f.JobType)
	}
	if merged.ExperienceLevel != nil {
		r.ExperienceLevel = string(*merged.ExperienceLevel)
	}
	if f.ExperienceLevel != nil {
		r.ExperienceLevel = strings.TrimSpace(*f.ExperienceLevel)
	}

	if err := s.validate.Struct(r); err != nil {
		return validationError(err)
	}

	// Validators above guarantee these parse.
	merged.Frequency, _ = notifier.ParseFrequency(r.Frequency)
	merged.JobType = nil
	if r.JobType != "" {
		jt, _ := notifier.ParseJobType(r.JobType)
		merged.JobType = &jt
	}
	merged.ExperienceLevel = nil
	if r.ExperienceLevel != "" {
		el, _ := notifier.ParseExperienceLevel(r.ExperienceLevel)
		merged.ExperienceLevel = &el
	}

	*alert = merged
	return nil
}

// NormalizeKeywords trims keywords and drops blanks and case-insensitive
// duplicates, keeping first-seen order.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, kw)
	}
	return out
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", jsonName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}

func jsonName(field string) string {
	switch field {
	case "SalaryMin":
		return "salary_min"
	case "JobType":
		return "job_type"
	case "ExperienceLevel":
		return "experience_level"
	default:
		return strings.ToLower(field)
	}
}
