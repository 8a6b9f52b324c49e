package escpos

import (
	"sort"
	"strings"
)

// RenderTemplate substitutes {{key}} and {key} placeholders. Longer keys are
// replaced first so {weight_kg} is not clobbered by {weight}.
func RenderTemplate(template string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})

	rendered := template
	for _, key := range keys {
		rendered = strings.ReplaceAll(rendered, "{{"+key+"}}", values[key])
		rendered = strings.ReplaceAll(rendered, "{"+key+"}", values[key])
	}

	return rendered
}

// Label turns a rendered template into jobs, one per line, cutting after the
// last one.
func Label(text string) []Job {
	lines := strings.Split(strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n"), "\n")

	jobs := make([]Job, 0, len(lines))
	for i, line := range lines {
		jobs = append(jobs, Job{Text: line, CutPaper: i == len(lines)-1})
	}
	return jobs
}
