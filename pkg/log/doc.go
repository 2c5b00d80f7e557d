// Package log provides Ice's structured logging facade.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. It is backed by the standard library
// slog through a bridge handler that routes records to pluggable formatters
// and outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("scheduler"), log.Str("topic", "sms"))
//	l.Info("moved due jobs", log.Int("count", 12))
//
// ApplyConfig builds a logger from a declarative Config (level, json or text
// format, file output, key redaction and message sampling). RedirectStdLog and
// ToStdLogger bridge code that still logs through the standard log package.
package log
