package errors

import (
	"errors"
	"log/slog"

	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Report logs err at its level. A LevelFatal error aborts the process in
// builds with the debug tag and is logged as an error otherwise.
func Report(err error) {
	if err == nil {
		return
	}
	var e *Error
	if !errors.As(err, &e) {
		logging.Error("repair_error", "error", err.Error())
		return
	}

	args := []any{"code", e.Code.String()}
	if e.Path != "" {
		args = append(args, "path", e.Path)
	}
	if e.Page != 0 {
		args = append(args, "page", e.Page)
	}
	if e.ExtType != ExtendedNone {
		args = append(args, "ext_code", e.ExtCode)
	}
	args = append(args, "error", e.Error())

	var level slog.Level
	switch e.Level {
	case LevelIgnore:
		return
	case LevelDebug:
		level = slog.LevelDebug
	case LevelWarning:
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	logging.Log(level, "repair_error", args...)

	if e.Level == LevelFatal && abortOnFatal {
		panic(e.Error())
	}
}
