// Package assertfail surfaces states that should be impossible. In
// production the process logs and carries on (a stalled conversation is
// worse than a dropped payload); with LOOM_DEV_ASSERT set the process
// panics so the state is caught during development.
package assertfail

import (
	"fmt"
	"log/slog"
	"os"
)

var devMode = os.Getenv("LOOM_DEV_ASSERT") != ""

func Fail(log *slog.Logger, msg string, args ...any) {
	if log != nil {
		log.Error("assertion failed: "+msg, args...)
	}
	if devMode {
		panic(fmt.Sprintf("assertion failed: %s", msg))
	}
}
