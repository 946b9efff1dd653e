package alerts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"jobalert-notifier/pkg/notifier"
	"jobalert-notifier/storage"
)

func newService(t *testing.T) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(storage.New(nil, "", t.TempDir(), logger), logger)
	s.now = func() time.Time { return time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC) }
	return s
}

func ptr[T any](v T) *T { return &v }

func TestCreate(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Create(ctx, "owner-1", Fields{
		Title:           ptr("  Remote Go  "),
		Keywords:        ptr([]string{"golang", " Go ", "GOLANG", ""}),
		JobType:         ptr("Full-Time"),
		ExperienceLevel: ptr("Senior Level"),
		SalaryMin:       ptr(120000),
		RemoteOnly:      ptr(true),
		Frequency:       ptr("daily"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.ID == "" || !a.IsActive || a.LastSentAt != nil {
		t.Errorf("Create() = %+v", a)
	}
	if a.Title != "Remote Go" {
		t.Errorf("Title = %q, want trimmed", a.Title)
	}
	if want := []string{"golang", "Go"}; !reflect.DeepEqual(a.Keywords, want) {
		t.Errorf("Keywords = %q, want %q", a.Keywords, want)
	}
	if a.JobType == nil || *a.JobType != notifier.JobTypeFullTime {
		t.Errorf("JobType = %v", a.JobType)
	}
	if a.ExperienceLevel == nil || *a.ExperienceLevel != notifier.ExperienceSenior {
		t.Errorf("ExperienceLevel = %v", a.ExperienceLevel)
	}

	got, err := s.Get(ctx, a.ID, "owner-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != a.Title || got.Frequency != notifier.FrequencyDaily {
		t.Errorf("Get() = %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	tests := []struct {
		name   string
		owner  string
		fields Fields
		want   string
	}{
		{"missing owner", "", Fields{Title: ptr("x"), Frequency: ptr("daily")}, "owner_id"},
		{"missing title", "o", Fields{Frequency: ptr("daily")}, "title"},
		{"blank title", "o", Fields{Title: ptr("   "), Frequency: ptr("daily")}, "title"},
		{"missing frequency", "o", Fields{Title: ptr("x")}, "frequency"},
		{"unknown frequency", "o", Fields{Title: ptr("x"), Frequency: ptr("hourly")}, "frequency"},
		{"unknown job type", "o", Fields{Title: ptr("x"), Frequency: ptr("daily"), JobType: ptr("Internship")}, "job_type"},
		{"unknown level", "o", Fields{Title: ptr("x"), Frequency: ptr("daily"), ExperienceLevel: ptr("Principal")}, "experience_level"},
		{"negative salary", "o", Fields{Title: ptr("x"), Frequency: ptr("daily"), SalaryMin: ptr(-1)}, "salary_min"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newService(t)
			_, err := s.Create(context.Background(), tt.owner, tt.fields)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Create() error = %v, want ErrValidation", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Create() error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestCreateLimit(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	for i := range maxAlertsPerOwner {
		if _, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("weekly")}); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}
	if _, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("weekly")}); !errors.Is(err, ErrLimit) {
		t.Errorf("Create over limit error = %v, want ErrLimit", err)
	}
}

// Concurrent creates near the limit must not overshoot it.
func TestCreateLimitConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newService(t)
	for i := range maxAlertsPerOwner - 1 {
		if _, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("weekly")}); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}

	const racers = 8
	errs := make(chan error, racers)
	var wg sync.WaitGroup
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("weekly")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case !errors.Is(err, ErrLimit):
			t.Errorf("Create error = %v, want nil or ErrLimit", err)
		}
	}
	if created != 1 {
		t.Errorf("%d racing creates succeeded, want 1", created)
	}
	list, err := s.List(ctx, "o")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != maxAlertsPerOwner {
		t.Errorf("owner has %d alerts, want %d", len(list), maxAlertsPerOwner)
	}
}

func TestOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Create(ctx, "alice", Fields{Title: ptr("x"), Frequency: ptr("daily")})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, a.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get by other owner error = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, a.ID, "bob", Fields{Title: ptr("y")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update by other owner error = %v, want ErrNotFound", err)
	}
	if _, err := s.SetActive(ctx, a.ID, "bob", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetActive by other owner error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, a.ID, "bob"); err != nil {
		t.Errorf("Delete by other owner: %v", err)
	}
	if _, err := s.Get(ctx, a.ID, "alice"); err != nil {
		t.Errorf("alert gone after foreign delete: %v", err)
	}

	list, err := s.List(ctx, "bob")
	if err != nil || len(list) != 0 {
		t.Errorf("List(bob) = %v, %v", list, err)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Create(ctx, "o", Fields{
		Title:     ptr("x"),
		Frequency: ptr("daily"),
		JobType:   ptr("Contract"),
		SalaryMin: ptr(50000),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Update(ctx, a.ID, "o", Fields{Frequency: ptr("monthly")}); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid Update error = %v, want ErrValidation", err)
	}
	unchanged, err := s.Get(ctx, a.ID, "o")
	if err != nil {
		t.Fatal(err)
	}
	if unchanged.Frequency != notifier.FrequencyDaily {
		t.Errorf("failed Update wrote Frequency = %q", unchanged.Frequency)
	}

	updated, err := s.Update(ctx, a.ID, "o", Fields{
		Frequency:      ptr("weekly"),
		JobType:        ptr(""),
		ClearSalaryMin: true,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Frequency != notifier.FrequencyWeekly || updated.JobType != nil || updated.SalaryMin != nil {
		t.Errorf("Update() = %+v", updated)
	}
	if updated.Title != "x" {
		t.Errorf("untouched Title changed to %q", updated.Title)
	}

	if _, err := s.Update(ctx, "does-not-exist", "o", Fields{Title: ptr("y")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update unknown error = %v, want ErrNotFound", err)
	}
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("daily")})
	if err != nil {
		t.Fatal(err)
	}

	paused, err := s.SetActive(ctx, a.ID, "o", false)
	if err != nil || paused.IsActive {
		t.Fatalf("pause = %+v, %v", paused, err)
	}
	resumed, err := s.SetActive(ctx, a.ID, "o", true)
	if err != nil || !resumed.IsActive {
		t.Fatalf("resume = %+v, %v", resumed, err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	a, err := s.Create(ctx, "o", Fields{Title: ptr("x"), Frequency: ptr("instant")})
	if err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := s.Delete(ctx, a.ID, "o"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}
	if _, err := s.Get(ctx, a.ID, "o"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, "never-existed", "o"); err != nil {
		t.Errorf("Delete unknown: %v", err)
	}
}

func TestNormalizeKeywords(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, []string{}},
		{[]string{" ", ""}, []string{}},
		{[]string{"React", "react", " Go", "go "}, []string{"React", "Go"}},
		{[]string{"node.js", "TypeScript"}, []string{"node.js", "TypeScript"}},
	}
	for _, tt := range tests {
		if got := NormalizeKeywords(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NormalizeKeywords(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
