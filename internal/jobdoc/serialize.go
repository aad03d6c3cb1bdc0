package jobdoc

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Serialize writes doc back out in the grammar Parse accepts. Round-tripping
// through Parse(Serialize(doc)) reproduces every (server, procedure,
// arguments, status, filter) tuple in the same order (Testable Property 1).
func Serialize(w io.Writer, doc *Document) error {
	if _, err := fmt.Fprintf(w, "client_sid=%s\n", doc.ClientSID); err != nil {
		return err
	}

	if len(doc.GlobalFilter) > 0 {
		if _, err := fmt.Fprintf(w, "%s\n", formatFilterClause(doc.GlobalFilter)); err != nil {
			return err
		}
	}

	jobs := append([]Job{}, doc.Jobs...)
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].Line < jobs[j].Line })

	for _, j := range jobs {
		line := formatJobLine(j)
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return err
		}
	}
	return nil
}

func formatFilterClause(filter map[string]string) string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("|")
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(":")
		sb.WriteString(filter[k])
	}
	return sb.String()
}

func formatJobLine(j Job) string {
	parts := []string{j.Server, j.Procedure}
	parts = append(parts, j.Arguments...)
	if len(j.Filter) > 0 {
		parts = append(parts, formatFilterClause(j.Filter))
	}
	if j.Status != StatusOpen {
		parts = append(parts, j.Status.String())
	}
	return strings.Join(parts, " ")
}
