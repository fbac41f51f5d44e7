// Package logging is a minimal leveled logger writing to stderr.
// Asset fetches run concurrently, so every message is written with a
// single Fprint call to keep lines from interleaving.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type LogLevel int

const (
	LogLevelError LogLevel = iota
	LogLevelWarning
	LogLevelBasic
	LogLevelDebug
)

var level = LogLevelBasic

func SetLevel(l LogLevel) {
	level = l
}

func GetLevel() LogLevel {
	return level
}

// FromString parses a log level name or a numeric level.
// Unknown names fall back to the default level.
func FromString(s string) LogLevel {
	if numericLogLevel, err := strconv.Atoi(s); err == nil {
		return clampLevel(numericLogLevel)
	}
	switch strings.ToLower(s) {
	case "error":
		return LogLevelError
	case "warning":
		return LogLevelWarning
	case "basic":
		return LogLevelBasic
	case "debug":
		return LogLevelDebug
	}

	return LogLevelBasic
}

func Debugf(format string, args ...any) {
	if level >= LogLevelDebug {
		printLine(format, args...)
	}
}

func Warningf(format string, args ...any) {
	if level >= LogLevelWarning {
		printLine(format, args...)
	}
}

func Basicf(format string, args ...any) {
	if level >= LogLevelBasic {
		printLine(format, args...)
	}
}

// Errorf logs regardless of the configured level.
func Errorf(format string, args ...any) {
	printLine(format, args...)
}

func Fatalf(format string, args ...any) {
	printLine(format, args...)
	os.Exit(1)
}

func clampLevel(numericLevel int) LogLevel {
	if numericLevel < 0 {
		return LogLevelError
	}
	if numericLevel > int(LogLevelDebug) {
		return LogLevelDebug
	}
	return LogLevel(numericLevel)
}

func printLine(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	if !strings.HasSuffix(message, "\n") {
		message += "\n"
	}
	fmt.Fprint(os.Stderr, message)
}
