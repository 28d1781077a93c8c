package scenetrace_test

import (
	"strings"
	"testing"

	"github.com/Logicalshift/flo-scene-sub002/scenetrace"
	"github.com/ardanlabs/kit/tests"
)

func init() {
	tests.Init("")
}

func TestCaptureTagsTheSnapshotWithItsContext(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a reason string")
	{
		t.Log("\tWhen Capture is called")
		{
			snap := scenetrace.Capture("program-42")

			if snap.Context != "program-42" {
				t.Fatalf("\t\tShould tag the snapshot with the given context, got %q", snap.Context)
			}
			if snap.Taken.IsZero() {
				t.Fatalf("\t\tShould record the time the snapshot was taken")
			}
			if !strings.Contains(string(snap.Dump), "goroutine") {
				t.Fatalf("\t\tShould capture at least this goroutine's stack")
			}
			t.Log("\t\tShould return a tagged, timestamped stack dump")
		}
	}
}

func TestStringRendersTheContextAndDump(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a captured snapshot")
	{
		snap := scenetrace.Capture("stuck-worker")

		t.Log("\tWhen it is rendered with String")
		{
			rendered := snap.String()

			if !strings.Contains(rendered, "stuck-worker") {
				t.Fatalf("\t\tShould include the snapshot's context")
			}
			if !strings.Contains(rendered, string(snap.Dump)) {
				t.Fatalf("\t\tShould include the full stack dump")
			}
			t.Log("\t\tShould render the context alongside the dump")
		}
	}
}
