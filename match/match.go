// Package match decides whether a job posting satisfies an alert's criteria.
package match

import (
	"strings"

	"jobalert-notifier/pkg/notifier"
)

// Matches reports whether job satisfies every criterion set on alert.
// Criteria left empty match anything. It has no side effects.
func Matches(job *notifier.Job, alert *notifier.Alert) bool {
	if job == nil || alert == nil {
		return false
	}

	if job.Status != notifier.JobStatusActive {
		return false
	}

	if len(alert.Keywords) > 0 && !anyKeyword(job, alert.Keywords) {
		return false
	}

	// Remote-only alerts ignore location text.
	if alert.Location != "" && !alert.RemoteOnly && !containsFold(job.Location, alert.Location) {
		return false
	}

	if alert.JobType != nil && job.JobType != *alert.JobType {
		return false
	}

	if alert.ExperienceLevel != nil && job.ExperienceLevel != *alert.ExperienceLevel {
		return false
	}

	if alert.RemoteOnly && !job.Remote {
		return false
	}

	if alert.SalaryMin != nil && !meetsSalaryFloor(job, *alert.SalaryMin) {
		return false
	}

	return true
}

// Filter returns the jobs that match alert, in input order.
func Filter(jobs []*notifier.Job, alert *notifier.Alert) []*notifier.Job {
	var out []*notifier.Job
	for _, job := range jobs {
		if Matches(job, alert) {
			out = append(out, job)
		}
	}
	return out
}

func anyKeyword(job *notifier.Job, keywords []string) bool {
	text := strings.ToLower(job.Title + " " + job.Description)
	seen := false
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		seen = true
		if strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	// Only blank keywords is the same as no keyword filter.
	return !seen
}

// meetsSalaryFloor uses the top of the advertised range, falling back to its
// bottom. Jobs without any salary never meet a floor.
func meetsSalaryFloor(job *notifier.Job, floor int) bool {
	var upper int
	switch {
	case job.SalaryMax != nil:
		upper = *job.SalaryMax
	case job.SalaryMin != nil:
		upper = *job.SalaryMin
	default:
		return false
	}
	return upper >= floor
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
