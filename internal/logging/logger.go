// Package logging provides the small leveled-logger interface used across
// the transport core, in the style of restys's Client.log field: components
// hold a Logger and fall back to Nop when none is supplied.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger is the leveled logging interface the core depends on.
type Logger interface {
	Debugf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
}

// Nop discards everything. It is the zero-value-friendly default so that
// components never need a nil check before logging.
type Nop struct{}

func (Nop) Debugf(string, ...interface{}) {}
func (Nop) Warnf(string, ...interface{})  {}
func (Nop) Errorf(string, ...interface{}) {}

// Std logs to a standard library *log.Logger, prefixing the level.
type Std struct {
	L     *log.Logger
	Debug bool
}

// NewStd returns a Std logger writing to stderr.
func NewStd(debug bool) *Std {
	return &Std{L: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds), Debug: debug}
}

func (s *Std) Debugf(format string, v ...interface{}) {
	if s == nil || s.L == nil || !s.Debug {
		return
	}
	s.L.Output(2, "DEBUG "+fmt.Sprintf(format, v...))
}

func (s *Std) Warnf(format string, v ...interface{}) {
	if s == nil || s.L == nil {
		return
	}
	s.L.Output(2, "WARN  "+fmt.Sprintf(format, v...))
}

func (s *Std) Errorf(format string, v ...interface{}) {
	if s == nil || s.L == nil {
		return
	}
	s.L.Output(2, "ERROR "+fmt.Sprintf(format, v...))
}
