package sceneconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Logicalshift/flo-scene-sub002/sceneconfig"
	"github.com/ardanlabs/kit/tests"
)

func init() {
	tests.Init("")
}

func TestDefaultIsInternallyConsistent(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given the built-in default configuration")
	{
		t.Log("\tWhen it is validated")
		{
			c := sceneconfig.Default()
			if err := c.Validate(); err != nil {
				t.Fatalf("\t\tShould be internally consistent, got %v", err)
			}
			t.Log("\t\tShould pass validation")
		}
	}
}

func TestValidateRejectsANonPositiveCapacity(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a configuration with a zero default capacity")
	{
		c := sceneconfig.Default()
		c.DefaultInputCapacity = 0

		t.Log("\tWhen it is validated")
		{
			if err := c.Validate(); err == nil {
				t.Fatalf("\t\tShould reject a non-positive default capacity")
			}
			t.Log("\t\tShould report the invalid capacity")
		}
	}
}

func TestValidateRejectsAnInvertedWorkerRange(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a configuration with MinWorkers greater than MaxWorkers")
	{
		c := sceneconfig.Default()
		c.MinWorkers = 9
		c.MaxWorkers = 3

		t.Log("\tWhen it is validated")
		{
			if err := c.Validate(); err == nil {
				t.Fatalf("\t\tShould reject an inverted worker range")
			}
			t.Log("\t\tShould report the inverted range")
		}
	}
}

func TestBasicScheduleFloorsAtOneMillisecond(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given BasicSchedule as the check-duration schedule")
	{
		t.Log("\tWhen given a non-positive duration")
		{
			got := sceneconfig.BasicSchedule(-time.Second)
			if got != time.Millisecond {
				t.Fatalf("\t\tShould floor at 1ms, got %v", got)
			}
			t.Log("\t\tShould floor at 1ms")
		}

		t.Log("\tWhen given a positive duration")
		{
			got := sceneconfig.BasicSchedule(5 * time.Second)
			if got != 5*time.Second {
				t.Fatalf("\t\tShould pass a positive duration through unchanged, got %v", got)
			}
			t.Log("\t\tShould leave it unchanged")
		}
	}
}

func TestFromFileDecodesOverTheDefaults(t *testing.T) {
	tests.ResetLog()
	defer tests.DisplayLog()

	t.Log("Given a TOML file overriding one field")
	{
		dir := t.TempDir()
		path := filepath.Join(dir, "scene.toml")
		body := "default_input_capacity = 64\nallow_thread_stealing_by_default = true\n"
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("setup: %v", err)
		}

		t.Log("\tWhen it is loaded with FromFile")
		{
			c, err := sceneconfig.FromFile(path)
			if err != nil {
				t.Fatalf("\t\tShould load without error, got %v", err)
			}
			if c.DefaultInputCapacity != 64 {
				t.Fatalf("\t\tShould apply the overridden capacity, got %d", c.DefaultInputCapacity)
			}
			if !c.AllowThreadStealingByDefault {
				t.Fatalf("\t\tShould apply the overridden thread-stealing default")
			}
			if c.MinWorkers != sceneconfig.Default().MinWorkers {
				t.Fatalf("\t\tShould leave an unspecified field at its default, got %d", c.MinWorkers)
			}
			t.Log("\t\tShould layer the file's fields over the defaults")
		}
	}
}
