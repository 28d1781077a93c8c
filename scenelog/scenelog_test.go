package scenelog_test

import (
	"errors"
	"testing"

	"github.com/Logicalshift/flo-scene-sub002/scenelog"
	"github.com/ardanlabs/kit/tests"
)

func init() {
	tests.Init("")
}

func TestDiscardDropsEveryCall(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given the Discard log")
	{
		t.Log("\tWhen Dev, User and Error are called")
		{
			scenelog.Discard.Dev("ctx", "event", "message %d", 1)
			scenelog.Discard.User("ctx", "event", "message %d", 1)
			scenelog.Discard.Error("ctx", "event", errors.New("boom"), "message %d", 1)
			t.Log("\t\tShould accept every call without panicking")
		}
	}
}

func TestPrintfForwardsEachLevelThroughTheSink(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a Printf log backed by a capturing sink")
	{
		var lines []string
		sink := scenelog.Printf(func(format string, args ...interface{}) {
			lines = append(lines, format)
		})

		t.Log("\tWhen Dev, User and Error are each called once")
		{
			sink.Dev("prog-1", "started", "program %s started", "prog-1")
			sink.User("prog-1", "connected", "stream connected")
			sink.Error("prog-1", "failed", errors.New("disk full"), "write failed")

			if len(lines) != 3 {
				t.Fatalf("\t\tShould record three log lines, got %d", len(lines))
			}
			if lines[0][:4] != "DEV " {
				t.Fatalf("\t\tShould prefix the Dev line, got %q", lines[0])
			}
			if lines[1][:4] != "USER" {
				t.Fatalf("\t\tShould prefix the User line, got %q", lines[1])
			}
			if lines[2][:5] != "ERROR" {
				t.Fatalf("\t\tShould prefix the Error line, got %q", lines[2])
			}
			t.Log("\t\tShould forward every level through the sink with a distinct prefix")
		}
	}
}
