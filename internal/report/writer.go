// Package report renders analysis results to files.
package report

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tiroq/fluentcap/internal/analysis"
	"github.com/tiroq/fluentcap/internal/fileutil"
)

// Report is a completed analysis ready to be written.
type Report struct {
	TaskID      string           `json:"task_id"`
	UserID      string           `json:"user_id,omitempty"`
	ProviderID  string           `json:"provider_id,omitempty"`
	CompletedAt time.Time        `json:"completed_at"`
	Result      *analysis.Result `json:"result"`
}

// Score is the displayed fluency score, rounded to an integer.
func Score(r *analysis.Result) int {
	return int(math.Round(r.FluencyScore))
}

// Summary is the one-line score shown to the user.
func Summary(r *analysis.Result) string {
	return fmt.Sprintf("Fluency score: %d", Score(r))
}

// SeverityLevel maps a severity label to 1..3. Unknown labels count as mild.
func SeverityLevel(severity string) int {
	switch severity {
	case "Severe":
		return 3
	case "Moderate":
		return 2
	default:
		return 1
	}
}

// StutteredPercent is the share of stuttered words, 0 when no words were counted.
func StutteredPercent(d analysis.Details) float64 {
	if d.TotalWords == 0 {
		return 0
	}
	return float64(d.StutteredWords) / float64(d.TotalWords) * 100
}

// WriteText writes a plain text report: summary, details, then one line per
// event.
func WriteText(path string, rep *Report) error {
	r := rep.Result
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", Summary(r))
	fmt.Fprintf(&b, "Task: %s\n", rep.TaskID)
	fmt.Fprintf(&b, "Duration: %s\n", formatSeconds(r.Duration))
	fmt.Fprintf(&b, "Words: %d total, %d stuttered (%.1f%%)\n",
		r.Details.TotalWords, r.Details.StutteredWords, StutteredPercent(r.Details))
	fmt.Fprintf(&b, "Speech rate: %.2f words/s\n", r.Details.SpeechRate)
	fmt.Fprintf(&b, "Pause duration: %.1fs\n", r.Details.PauseDuration)
	b.WriteString("\nDisfluencies:\n")
	for _, k := range sortedTypes(r.DisfluencyTypes) {
		fmt.Fprintf(&b, "  %s: %d\n", k, r.DisfluencyTypes[k])
	}
	b.WriteString("\nEvents:\n")
	for _, e := range r.Events {
		fmt.Fprintf(&b, "  [%s] %s (%s, level %d)\n", e.Time, e.Type, e.Severity, SeverityLevel(e.Severity))
	}
	return fileutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// WriteJSON writes the report with the result in its wire shape.
func WriteJSON(path string, rep *Report) error {
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return fileutil.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// WriteMarkdown writes a markdown report with tables for disfluencies and
// events.
func WriteMarkdown(path string, rep *Report) error {
	r := rep.Result
	var b strings.Builder
	b.WriteString("# Speech analysis report\n\n")
	fmt.Fprintf(&b, "**%s**\n\n", Summary(r))
	fmt.Fprintf(&b, "- Task: `%s`\n", rep.TaskID)
	if !rep.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Completed: %s\n", rep.CompletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Duration: %s\n", formatSeconds(r.Duration))
	fmt.Fprintf(&b, "- Words: %d total, %d stuttered (%.1f%%)\n",
		r.Details.TotalWords, r.Details.StutteredWords, StutteredPercent(r.Details))
	fmt.Fprintf(&b, "- Speech rate: %.2f words/s\n", r.Details.SpeechRate)
	fmt.Fprintf(&b, "- Pause duration: %.1fs\n", r.Details.PauseDuration)

	b.WriteString("\n## Disfluency types\n\n| Type | Count |\n|---|---|\n")
	for _, k := range sortedTypes(r.DisfluencyTypes) {
		fmt.Fprintf(&b, "| %s | %d |\n", k, r.DisfluencyTypes[k])
	}
	b.WriteString("\n## Events\n\n| Time | Type | Severity | Level |\n|---|---|---|---|\n")
	for _, e := range r.Events {
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", e.Time, e.Type, e.Severity, SeverityLevel(e.Severity))
	}
	return fileutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}

// WriteAll writes the report in every requested format. basePath is the
// file path without extension. Supported formats are "txt", "json" and
// "md"; an empty list means "txt". It returns the written paths and a
// combined error listing all failures.
func WriteAll(basePath string, rep *Report, formats []string) ([]string, error) {
	if rep == nil || rep.Result == nil {
		return nil, fmt.Errorf("report has no result")
	}
	if len(formats) == 0 {
		formats = []string{"txt"}
	}
	if err := os.MkdirAll(filepath.Dir(basePath), 0o755); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	var (
		written []string
		errs    []string
	)
	for _, f := range formats {
		path := basePath + "." + f
		var err error
		switch f {
		case "txt":
			err = WriteText(path, rep)
		case "json":
			err = WriteJSON(path, rep)
		case "md":
			err = WriteMarkdown(path, rep)
		default:
			errs = append(errs, fmt.Sprintf("unknown format %q", f))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		written = append(written, path)
	}
	if len(errs) > 0 {
		return written, fmt.Errorf("report write errors: %s", strings.Join(errs, "; "))
	}
	return written, nil
}

// formatSeconds renders a duration in seconds as M:SS.
func formatSeconds(s float64) string {
	d := time.Duration(s * float64(time.Second))
	m := int(d.Minutes())
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%d:%02d", m, sec)
}

func sortedTypes(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
