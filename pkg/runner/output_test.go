package runner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeOutput(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.out")
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write output: %v", err)
	}
	return path
}

func TestParseOutput_SuccessfulRun(t *testing.T) {
	path := writeOutput(t, `{"level":"PROGRESS","message":"10%"}
{"level":"WARNING","message":"segment 3 is empty"}
{"level":"PROGRESS","message":"60%"}
{"level":"PROGRESS","message":"100%"}
{"level":"FINAL","message":"All done."}
`)

	out, err := ParseOutput(path)
	if err != nil {
		t.Fatalf("ParseOutput() error: %v", err)
	}
	if !out.Completed() {
		t.Fatal("expected run to be complete")
	}
	if out.Progress != 100 {
		t.Fatalf("progress = %d, want 100", out.Progress)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != "segment 3 is empty" {
		t.Fatalf("warnings = %+v", out.Warnings)
	}
	if len(out.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", out.Errors)
	}
}

func TestParseOutput_NothingToDoIsSuccess(t *testing.T) {
	path := writeOutput(t, `{"level":"FINAL","message":"Nothing to be done."}
`)

	out, err := ParseOutput(path)
	if err != nil {
		t.Fatalf("ParseOutput() error: %v", err)
	}
	if !out.Completed() {
		t.Fatal("nothing-to-do run should count as complete")
	}
	if out.Progress != 100 {
		t.Fatalf("progress = %d, want 100", out.Progress)
	}
}

func TestParseOutput_ToolFailureKeepsDiagnostics(t *testing.T) {
	path := writeOutput(t, `{"level":"PROGRESS","message":"40%"}
{"level":"ERROR","message":"annotator xyz failed on document d1"}
{"level":"ERROR","message":"aborting"}
`)

	out, err := ParseOutput(path)
	if err != nil {
		t.Fatalf("ParseOutput() error: %v", err)
	}
	if out.Completed() {
		t.Fatal("failed run should not be complete")
	}
	if len(out.Errors) != 2 {
		t.Fatalf("errors = %+v", out.Errors)
	}
	if out.Progress != 40 {
		t.Fatalf("progress = %d, want 40", out.Progress)
	}
}

func TestParseOutput_SkipsNonJSONNoise(t *testing.T) {
	path := writeOutput(t, `Traceback (most recent call last):
  File "tool.py", line 12, in <module>
{"level":"WARNING","message":"kept"}
not json at all
{broken json
`)

	out, err := ParseOutput(path)
	if err != nil {
		t.Fatalf("ParseOutput() error: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0] != "kept" {
		t.Fatalf("warnings = %+v", out.Warnings)
	}
}

func TestParseOutput_MissingFile(t *testing.T) {
	_, err := ParseOutput(filepath.Join(t.TempDir(), "absent.out"))
	if !os.IsNotExist(err) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
