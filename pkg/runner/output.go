package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Output log levels emitted by the pipeline, one JSON object per line.
const (
	levelWarning  = "WARNING"
	levelError    = "ERROR"
	levelProgress = "PROGRESS"
	levelFinal    = "FINAL"
)

// finalNothingToDo is the pipeline's completion message when every target
// was already up to date. It counts as a successful run.
const finalNothingToDo = "Nothing to be done."

type outputLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Output is the aggregated structured output of one pipeline run.
type Output struct {
	Warnings []string
	Errors   []string

	// Progress is the last reported percentage, 0-100.
	Progress int

	// Final is the pipeline's final status message, empty if the run never
	// reached one.
	Final string
}

// Completed reports whether the run finished successfully. The pipeline
// either drives progress to 100 or reports that nothing needed doing.
func (o *Output) Completed() bool {
	return o.Progress >= 100 || o.Final == finalNothingToDo
}

// ParseOutput reads a pipeline output log. Lines that are not valid JSON
// (interpreter tracebacks, shell noise) are skipped; diagnostics keep their
// original order.
func ParseOutput(path string) (*Output, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := &Output{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var entry outputLine
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		switch entry.Level {
		case levelWarning:
			out.Warnings = append(out.Warnings, entry.Message)
		case levelError:
			out.Errors = append(out.Errors, entry.Message)
		case levelProgress:
			if p, ok := parseProgress(entry.Message); ok {
				out.Progress = p
			}
		case levelFinal:
			out.Final = entry.Message
			if entry.Message == finalNothingToDo {
				out.Progress = 100
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan output: %w", err)
	}
	return out, nil
}

func parseProgress(msg string) (int, bool) {
	msg = strings.TrimSuffix(strings.TrimSpace(msg), "%")
	p, err := strconv.Atoi(msg)
	if err != nil || p < 0 {
		return 0, false
	}
	if p > 100 {
		p = 100
	}
	return p, true
}
