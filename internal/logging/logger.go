// Package logging builds the logr.Logger used throughout addin-debug.
//
// Console output is human readable and goes to stderr, because stdout carries
// the MCP stdio protocol. An optional diagnostics file receives the same
// records JSON-encoded.
package logging

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// Options controls logger construction.
type Options struct {
	// Level is "debug", "info", "error" or a positive verbosity number.
	Level string
	// Console receives human-readable output; nil means os.Stderr.
	Console io.Writer
	// File, when set, receives JSON-encoded output as well.
	File string
}

// ParseLevel converts a level name or verbosity number into a zap level.
func ParseLevel(value string) (zapcore.Level, error) {
	if value == "" {
		return zap.InfoLevel, nil
	}
	if level, ok := levelStrings[strings.ToLower(value)]; ok {
		return level, nil
	}

	v, err := strconv.Atoi(value)
	if err != nil || v <= 0 {
		return zap.InfoLevel, fmt.Errorf("invalid log level %q", value)
	}
	// Zap levels run the opposite way to logr verbosity.
	return zapcore.Level(int8(-v)), nil
}

// New returns a named logger and a flush function to call before exit.
func New(name string, opts Options) (logr.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if runtime.GOOS == "windows" {
		encoderConfig.LineEnding = "\r\n"
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(zapcore.AddSync(console)), atomicLevel),
	}

	var logFile *os.File
	if opts.File != "" {
		logFile, err = os.OpenFile(opts.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return logr.Discard(), func() {}, fmt.Errorf("failed to open log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(logFile), atomicLevel))
	}

	zapLogger := zap.New(zapcore.NewTee(cores...))
	flush := func() {
		_ = zapLogger.Sync()
		if logFile != nil {
			_ = logFile.Close()
		}
	}

	return zapr.NewLogger(zapLogger).WithName(name), flush, nil
}
