package jobdoc

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

var sidPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Parse reads a job file per the grammar in spec §6.3. Blank lines and lines
// beginning with '#' are ignored. The first remaining line must set
// client_sid.
// A line starting with '|' sets the document's global filter. Everything
// else is a Job line.
func Parse(r io.Reader) (*Document, error) {
	doc := &Document{GlobalFilter: map[string]string{}}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	sawHeader := false

	for scanner.Scan() {
		raw := scanner.Text()
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !sawHeader {
			sid, err := parseHeader(line)
			if err != nil {
				return nil, err
			}
			doc.ClientSID = sid
			sawHeader = true
			continue
		}

		if strings.HasPrefix(line, "|") {
			filter, err := parseFilterClause(line)
			if err != nil {
				return nil, err
			}
			for k, v := range filter {
				doc.GlobalFilter[k] = v
			}
			continue
		}

		job, err := parseJobLine(line, lineNo)
		if err != nil {
			return nil, err
		}
		doc.Jobs = append(doc.Jobs, job)
		lineNo++
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: missing client_sid header", ErrMalformed)
	}
	if len(doc.Jobs) == 0 {
		return nil, fmt.Errorf("%w: no jobs", ErrMalformed)
	}

	return doc, nil
}

func parseHeader(line string) (string, error) {
	const prefix = "client_sid="
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("%w: expected %q, got %q", ErrMalformed, prefix, line)
	}
	sid := strings.ToLower(strings.TrimPrefix(line, prefix))
	if !sidPattern.MatchString(sid) {
		return "", fmt.Errorf("%w: client_sid is not 64 hex characters: %q", ErrMalformed, sid)
	}
	return sid, nil
}

// parseFilterClause parses "| key:value key:value ..." (global) or the tail
// of a job line starting at its own "|" token (local).
func parseFilterClause(clause string) (map[string]string, error) {
	fields := strings.Fields(strings.TrimPrefix(clause, "|"))
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		k, v, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad filter clause %q", ErrMalformed, f)
		}
		if !KnownFilterKeys[k] {
			return nil, fmt.Errorf("%w: unknown capability key %q", ErrMalformed, k)
		}
		out[k] = v
	}
	return out, nil
}

func parseJobLine(line string, lineNo int) (Job, error) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 {
		return Job{}, fmt.Errorf("%w: job line %d has too few tokens: %q", ErrMalformed, lineNo, line)
	}

	status := StatusOpen
	last := tokens[len(tokens)-1]
	switch last {
	case "DONE":
		status = StatusDone
		tokens = tokens[:len(tokens)-1]
	case "ERROR":
		status = StatusError
		tokens = tokens[:len(tokens)-1]
	}

	barIdx := -1
	for i, t := range tokens {
		if t == "|" {
			barIdx = i
			break
		}
	}

	var filter map[string]string
	body := tokens
	if barIdx >= 0 {
		body = tokens[:barIdx]
		f, err := parseFilterClause(strings.Join(tokens[barIdx:], " "))
		if err != nil {
			return Job{}, err
		}
		filter = f
	}

	if len(body) < 2 {
		return Job{}, fmt.Errorf("%w: job line %d missing server/procedure: %q", ErrMalformed, lineNo, line)
	}

	server := strings.ToLower(body[0])
	if server != AnyServer && !sidPattern.MatchString(server) {
		return Job{}, fmt.Errorf("%w: job line %d has invalid server SID %q", ErrMalformed, lineNo, body[0])
	}

	return Job{
		Server:    server,
		Procedure: body[1],
		Arguments: append([]string{}, body[2:]...),
		Status:    status,
		Line:      lineNo,
		Filter:    filter,
	}, nil
}
