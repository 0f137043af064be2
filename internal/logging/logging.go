// Package logging constructs the process-wide zap logger and the
// per-session file core used to capture redirected agent stderr.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the broker/agent's process logger. level is one of
// "debug","info","warn","error"; format is "console" or "json".
func New(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapLevel)
	return zap.New(core, zap.AddCaller()), nil
}

// SessionFileCore opens (creating if needed) the per-session agent log at
// <logDir>/agent-<sessionID>.log mode 0640, and returns a zapcore.Core
// writing to it plus the opened file so the caller can redirect the
// supervised subprocess's stderr to the same descriptor.
func SessionFileCore(logDir, sessionID string, level zapcore.Level) (zapcore.Core, *os.File, error) {
	path := fmt.Sprintf("%s/agent-%s.log", logDir, sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open session log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), level)
	return core, f, nil
}
