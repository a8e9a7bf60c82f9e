package runner

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestExpand(t *testing.T) {
	args := []string{
		"apptainer", "run", "fmriprep.sif",
		"--participant-label", "{participant_id}",
		"--out", "{dataset_root}/derivatives/{pipeline_version}",
		"{unknown_token}",
	}
	got := Expand(args, map[string]string{
		"participant_id":   "001",
		"dataset_root":     "/data/study",
		"pipeline_version": "20.2.7",
	})
	want := []string{
		"apptainer", "run", "fmriprep.sif",
		"--participant-label", "001",
		"--out", "/data/study/derivatives/20.2.7",
		"{unknown_token}",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("expansion mismatch (-want +got):\n%s", diff)
	}
}

func TestEnvironPrefixesAndSorts(t *testing.T) {
	cfg := EnvConfig{
		Prefix: "APPTAINERENV_",
		Vars:   map[string]string{"ZED": "z", "ALPHA": "a"},
	}
	env := cfg.Environ()
	if len(env) < 2 {
		t.Fatalf("got %d entries", len(env))
	}
	tail := env[len(env)-2:]
	want := []string{"APPTAINERENV_ALPHA=a", "APPTAINERENV_ZED=z"}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Fatalf("injected vars mismatch (-want +got):\n%s", diff)
	}
	// Parent environment precedes the injected vars.
	inherited := false
	for _, entry := range env[:len(env)-2] {
		if strings.HasPrefix(entry, "PATH=") {
			inherited = true
		}
	}
	if !inherited {
		t.Fatal("parent PATH not inherited")
	}
}

func TestRunReportsExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}
	var out bytes.Buffer
	r := Runner{Stdout: &out, Stderr: &out}

	code, err := r.Run(context.Background(), Invocation{Args: []string{"sh", "-c", "echo ok"}})
	if err != nil || code != 0 {
		t.Fatalf("clean run: code=%d err=%v", code, err)
	}
	if !strings.Contains(out.String(), "ok") {
		t.Fatalf("stdout = %q", out.String())
	}

	code, err = r.Run(context.Background(), Invocation{Args: []string{"sh", "-c", "exit 7"}})
	if err != nil {
		t.Fatalf("non-zero exit became an error: %v", err)
	}
	if code != 7 {
		t.Fatalf("code = %d, want 7", code)
	}
}

func TestRunMissingExecutable(t *testing.T) {
	r := Runner{}
	if _, err := r.Run(context.Background(), Invocation{Args: []string{"/no/such/binary"}}); err == nil {
		t.Fatal("missing executable did not error")
	}
	if _, err := r.Run(context.Background(), Invocation{}); err == nil {
		t.Fatal("empty command did not error")
	}
}
