package email

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"jobalert-notifier/pkg/notifier"
)

const snippetRunes = 240

func (s *Sender) formatDigestBody(alert *notifier.Alert, jobs []*notifier.Job) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString(".intro { margin-bottom: 20px; }\n")
	b.WriteString(".job { margin-bottom: 24px; padding-bottom: 24px; border-bottom: 2px solid #2e86de; }\n")
	b.WriteString(".job:last-of-type { border-bottom: none; padding-bottom: 0; margin-bottom: 0; }\n")
	b.WriteString(".title { font-weight: 600; font-size: 1.2em; }\n")
	b.WriteString(".meta { color: #7f8c8d; font-size: 0.9em; }\n")
	b.WriteString(".snippet { margin: 10px 0; }\n")
	b.WriteString(".more { margin-top: 20px; font-weight: 500; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; margin: 0 8px; }\n")
	b.WriteString(".footer a:first-child { margin-left: 0; }\n")
	b.WriteString("a { color: #2e86de; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("@media (prefers-color-scheme: dark) {\n")
	b.WriteString("body { background: #1a1a1a; color: #e0e0e0; }\n")
	b.WriteString(".meta { color: #a0a0a0; }\n")
	b.WriteString(".footer { color: #a0a0a0; border-top-color: #444; }\n")
	b.WriteString(".footer a { color: #a0a0a0; }\n")
	b.WriteString("a { color: #54a0ff; }\n")
	b.WriteString("}\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString("<div class=\"intro\">\n")
	b.WriteString(fmt.Sprintf("<p>New postings matching <strong>%s</strong>:</p>\n", escapeHTML(alert.Title)))
	b.WriteString("</div>\n")

	shown := jobs
	if len(shown) > maxJobsPerEmail {
		shown = shown[:maxJobsPerEmail]
	}
	for _, job := range shown {
		b.WriteString("<div class=\"job\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s\" class=\"title\">%s</a>\n", escapeHTML(s.jobURL(job.ID)), escapeHTML(job.Title)))
		b.WriteString(fmt.Sprintf("<div class=\"meta\">%s</div>\n", escapeHTML(jobMeta(job))))
		if snippet := plainSnippet(job.Description, snippetRunes); snippet != "" {
			b.WriteString(fmt.Sprintf("<p class=\"snippet\">%s</p>\n", escapeHTML(snippet)))
		}
		b.WriteString("</div>\n")
	}

	if rest := len(jobs) - len(shown); rest > 0 {
		more := fmt.Sprintf("and %d more matching jobs", rest)
		if rest == 1 {
			more = "and 1 more matching job"
		}
		b.WriteString(fmt.Sprintf("<p class=\"more\"><a href=\"%s\">%s</a></p>\n", escapeHTML(s.manageURL(alert.ID)), more))
	}

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Manage this alert</a>\n", escapeHTML(s.manageURL(alert.ID))))
	b.WriteString(fmt.Sprintf("<a href=\"%s\">Email preferences</a>\n", escapeHTML(s.baseURL+"/settings/notifications")))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

func (s *Sender) jobURL(id string) string {
	return fmt.Sprintf("%s/jobs/%s", s.baseURL, url.PathEscape(id))
}

func (s *Sender) manageURL(alertID string) string {
	return fmt.Sprintf("%s/alerts/%s", s.baseURL, url.PathEscape(alertID))
}

// jobMeta renders "Company · Location · Type · Salary" skipping empty parts.
func jobMeta(job *notifier.Job) string {
	var parts []string
	if job.CompanyName != "" {
		parts = append(parts, job.CompanyName)
	}
	switch {
	case job.Remote && job.Location != "":
		parts = append(parts, job.Location+" (remote)")
	case job.Remote:
		parts = append(parts, "Remote")
	case job.Location != "":
		parts = append(parts, job.Location)
	}
	if job.JobType != "" {
		parts = append(parts, string(job.JobType))
	}
	if salary := salaryRange(job.SalaryMin, job.SalaryMax); salary != "" {
		parts = append(parts, salary)
	}
	return strings.Join(parts, " · ")
}

func salaryRange(lo, hi *int) string {
	switch {
	case lo != nil && hi != nil && *lo != *hi:
		return formatMoney(*lo) + " - " + formatMoney(*hi)
	case hi != nil:
		return formatMoney(*hi)
	case lo != nil:
		return "from " + formatMoney(*lo)
	default:
		return ""
	}
}

// formatMoney groups thousands: 120000 -> "$120,000".
func formatMoney(n int) string {
	digits := strconv.Itoa(n)
	neg := strings.HasPrefix(digits, "-")
	digits = strings.TrimPrefix(digits, "-")

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}

// plainSnippet extracts the visible text of an HTML fragment, collapses
// whitespace and truncates it to limit runes.
func plainSnippet(description string, limit int) string {
	if strings.TrimSpace(description) == "" {
		return ""
	}

	text := description
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(description))
	if err == nil {
		doc.Find("script, style").Remove()
		doc.Find("br, p, div, li, tr, h1, h2, h3, h4, h5, h6").AfterHtml(" ")
		text = doc.Text()
	}
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := strings.TrimSpace(string(runes[:limit]))
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
