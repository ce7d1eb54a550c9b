package debug

import (
	"fmt"
	"runtime"

	"github.com/phuslu/log"
)

// NOTE: if you'll ever want to be able to turn off assertions, not remove, but
// turn off - take a look at
// https://sourcegraph.com/github.com/apache/arrow/-/blob/go/parquet/internal/debug/assert_off.go

func location(skip int) string {
	if _, file, line, ok := runtime.Caller(skip + 1); ok {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return "unknown"
}

// Assert panics when truth does not hold. Use it for programmer errors only,
// never for anything that arrives from the wire.
func Assert(truth bool, msg ...string) {
	// NOTE: in certain cases it feels unreasonable and redundant to specify msg
	if len(msg) > 1 {
		panic("invalid assert args")
	}
	if !truth {
		panic(fmt.Sprintf("%s: assertion failed(%s)", location(1), msg))
	}
}

// Guard is the non-panicking sibling of Assert. It logs a diagnostic with
// the caller's location when truth does not hold and returns truth, so call
// sites read as
//
//	if !debug.Guard(s.isHost, s.logger, "swap requested on non-host") {
//		return
//	}
func Guard(truth bool, logger *log.Logger, format string, args ...any) bool {
	if truth {
		return true
	}
	if logger != nil {
		logger.Error().
			Str("at", location(1)).
			Msgf(format, args...)
	}
	return false
}
