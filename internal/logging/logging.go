// Package logging builds the logr.Logger the command line tools hand to the
// metadata client. Output is zap's console encoding on the given writer.
package logging

import (
	"fmt"
	"io"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelOff disables logging entirely.
const LevelOff = "off"

// New returns a logger writing to w at the named zap level (debug, info,
// warn, error) or a discarding logger for "off". V(1) messages are emitted at
// debug.
func New(w io.Writer, level string) (logr.Logger, error) {
	if level == LevelOff {
		return logr.Discard(), nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return logr.Discard(), fmt.Errorf("log level %q: %w", level, err)
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), lvl)

	return zapr.NewLogger(zap.New(core)), nil
}
