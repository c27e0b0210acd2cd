package logging

import (
	"log/slog"
	"path/filepath"
	"runtime"
)

// Result reports the outcome of a fallible operation. A nil err is
// logged at debug level only; failures are logged at error level with
// the component, operation, the caller's file and line, and the error
// kind text. skip counts stack frames above the caller of Result.
func Result(l *slog.Logger, skip int, component, op string, err error, kind string) {
	if l == nil {
		l = Default().Logger
	}

	file, line := "unknown", 0
	if _, f, ln, ok := runtime.Caller(skip + 1); ok {
		file, line = filepath.Base(f), ln
	}

	if err == nil {
		l.Debug("operation succeeded",
			slog.String("unit", component),
			slog.String("op", op),
			slog.String("file", file),
			slog.Int("line", line),
		)
		return
	}

	l.Error("operation failed",
		slog.String("unit", component),
		slog.String("op", op),
		slog.String("file", file),
		slog.Int("line", line),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}
