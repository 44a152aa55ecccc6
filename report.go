package orchestrator

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dataops-infra/itest-orchestrator/artifacts"
	"github.com/dataops-infra/itest-orchestrator/executor"
	"github.com/dataops-infra/itest-orchestrator/exitcodes"
)

// RunReport is the user-facing outcome of one orchestrated run.
type RunReport struct {
	Session   string
	Workflow  string
	Target    string
	Skipped   bool
	Reason    string
	Result    *executor.Result
	Artifact  *artifacts.Reference
	UploadErr error
}

// ExitStatus maps the run outcome to a process exit code. The suite's exit
// status always wins over the collector's outcome; an upload failure never
// masks a test result.
func (r *RunReport) ExitStatus() int {
	if r.Skipped {
		return exitcodes.Success
	}
	if r.Result == nil {
		return exitcodes.RuntimeErr
	}
	switch r.Result.State {
	case executor.StateSucceeded:
		return exitcodes.Success
	case executor.StateTimedOut:
		return exitcodes.RuntimeErr
	default:
		if r.Result.ExitStatus > 0 {
			return r.Result.ExitStatus
		}
		return exitcodes.TestFailure
	}
}

// PrintTable renders the run summary table.
func (r *RunReport) PrintTable(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Integration Test Run (%s)", r.Session))
	t.AppendHeader(table.Row{"Workflow", "Target", "State", "Exit", "Duration", "Artifact"})

	state, exit, duration := "skipped", "-", "-"
	if r.Result != nil {
		state = string(r.Result.State)
		exit = fmt.Sprintf("%d", r.Result.ExitStatus)
		duration = fmt.Sprintf("%.1fs", r.Result.Duration.Seconds())
	}
	artifact := "-"
	if r.Artifact != nil {
		artifact = r.Artifact.URI()
	} else if r.UploadErr != nil {
		artifact = "upload failed"
	}

	t.AppendRow(table.Row{r.Workflow, r.Target, state, exit, duration, artifact})

	if r.Result != nil && r.Result.State == executor.StateSucceeded {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else if r.Skipped {
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	t.Render()
}

// summary is the machine-readable form of a RunReport.
type summary struct {
	Session     string    `json:"session"`
	Workflow    string    `json:"workflow"`
	Target      string    `json:"target,omitempty"`
	Skipped     bool      `json:"skipped,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	State       string    `json:"state,omitempty"`
	ExitStatus  int       `json:"exit_status"`
	Duration    string    `json:"duration,omitempty"`
	ResultFile  string    `json:"result_file,omitempty"`
	ArtifactURI string    `json:"artifact_uri,omitempty"`
	UploadError string    `json:"upload_error,omitempty"`
	WrittenAt   time.Time `json:"written_at"`
}

// WriteSummary writes the machine-readable run summary next to the captured
// output.
func (r *RunReport) WriteSummary(path string) error {
	s := summary{
		Session:    r.Session,
		Workflow:   r.Workflow,
		Target:     r.Target,
		Skipped:    r.Skipped,
		Reason:     r.Reason,
		ExitStatus: r.ExitStatus(),
		WrittenAt:  time.Now().UTC(),
	}
	if r.Result != nil {
		s.State = string(r.Result.State)
		s.Duration = r.Result.Duration.String()
		s.ResultFile = r.Result.ResultFile
	}
	if r.Artifact != nil {
		s.ArtifactURI = r.Artifact.URI()
	}
	if r.UploadErr != nil {
		s.UploadError = r.UploadErr.Error()
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}
	return nil
}
