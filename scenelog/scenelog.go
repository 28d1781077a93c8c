// Package scenelog provides the leveled logging surface passed to every
// Scene component, grounded on the Dev/User/Error split used throughout
// this lineage's web middleware and backed by github.com/ardanlabs/kit/log
// by default.
package scenelog

import (
	"fmt"

	kitlog "github.com/ardanlabs/kit/log"
)

// Log defines the logging contract every Scene-facing package accepts.
// Dev is for implementation-detail tracing, User for operator-visible
// events (program added/stopped, connection changed), Error for failures
// that are about to be returned or swallowed on a best-effort fan-out path.
type Log interface {
	Dev(context interface{}, name string, message string, data ...interface{})
	User(context interface{}, name string, message string, data ...interface{})
	Error(context interface{}, name string, err error, message string, data ...interface{})
}

// Discard is a Log that drops everything, used as the zero-value default
// so a Scene built without explicit logging does not nil-panic.
var Discard Log = discard{}

type discard struct{}

func (discard) Dev(interface{}, string, string, ...interface{})          {}
func (discard) User(interface{}, string, string, ...interface{})         {}
func (discard) Error(interface{}, string, error, string, ...interface{}) {}

// KitLog adapts github.com/ardanlabs/kit/log's package-level functions to
// the Log interface, so a Scene can be pointed at the same sink the rest
// of a host application's ardanlabs/kit-based logging already uses.
type KitLog struct{}

func (KitLog) Dev(context interface{}, name string, message string, data ...interface{}) {
	kitlog.Dev(context, name, message, data...)
}

func (KitLog) User(context interface{}, name string, message string, data ...interface{}) {
	kitlog.User(context, name, message, data...)
}

func (KitLog) Error(context interface{}, name string, err error, message string, data ...interface{}) {
	kitlog.Error(context, name, err, message, data...)
}

// Printf is a minimal Log that writes through a single func(string, ...interface{})
// sink (e.g. testing.T.Logf), useful in tests and small programs that do not
// want to pull in ardanlabs/kit/log's global initialisation.
type Printf func(format string, args ...interface{})

func (p Printf) Dev(context interface{}, name string, message string, data ...interface{}) {
	p("DEV  : %v : %s : "+message, append([]interface{}{context, name}, data...)...)
}

func (p Printf) User(context interface{}, name string, message string, data ...interface{}) {
	p("USER : %v : %s : "+message, append([]interface{}{context, name}, data...)...)
}

func (p Printf) Error(context interface{}, name string, err error, message string, data ...interface{}) {
	p("ERROR: %v : %s : "+fmt.Sprintf(message, data...)+" : %s", context, name, err)
}
