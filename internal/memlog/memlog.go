// Package memlog provides the leveled logging used across memflow
// components. Single-page read failures and inexact symbol matches are
// reported here at Debug/Warn; nothing in this module logs
// at a level that aborts or panics.
package memlog

import (
	"log"
	"os"
)

// Level controls which messages reach the underlying writer.
type Level int

const (
	LevelDebug Level = iota
	LevelWarn
	LevelError
	LevelSilent
)

var (
	std   = log.New(os.Stderr, "", log.LstdFlags)
	level = LevelWarn
)

// SetLevel adjusts the global verbosity, which starts at LevelWarn. No
// connector or connector argument in this module calls it.
func SetLevel(l Level) { level = l }

func Debugf(format string, args ...interface{}) {
	if level <= LevelDebug {
		std.Printf("[debug] "+format, args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if level <= LevelWarn {
		std.Printf("[warn] "+format, args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if level <= LevelError {
		std.Printf("[error] "+format, args...)
	}
}
