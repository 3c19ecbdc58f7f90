// Package logging supplies the debug-print collaborator the protocol
// engine and session manager log through. The distilled spec calls this a
// "weak/default port function" best expressed, in Go, as a null-object
// interface rather than a link-time weak symbol.
package logging

import (
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

// Sink is the debug-print collaborator §6.1 of the specification asks for.
// A Session or Engine never logs more than Debugf/Infof/Warnf; anything
// more structured belongs to the caller, not the protocol core.
type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Null is a Sink that discards everything. It is the default when a caller
// doesn't wire up a real one, matching the spec's "best-effort log sink"
// that must never block or fail a protocol operation.
type Null struct{}

func (Null) Debugf(string, ...any) {}
func (Null) Infof(string, ...any)  {}
func (Null) Warnf(string, ...any)  {}

// logrusSink adapts a *logrus.Logger to Sink.
type logrusSink struct {
	log *logrus.Logger
}

// New returns a Sink backed by logrus, writing through go-colorable so
// ANSI coloring survives on Windows terminals the way it does natively on
// Linux/macOS.
func New(level logrus.Level) Sink {
	log := logrus.New()
	log.SetOutput(colorable.NewColorableStdout())
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})
	return &logrusSink{log: log}
}

func (s *logrusSink) Debugf(format string, args ...any) { s.log.Debugf(format, args...) }
func (s *logrusSink) Infof(format string, args ...any)  { s.log.Infof(format, args...) }
func (s *logrusSink) Warnf(format string, args ...any)  { s.log.Warnf(format, args...) }
