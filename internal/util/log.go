// Package util provides logging and formatting helpers shared by the pool backend.
package util

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logMu  sync.RWMutex
	logger *zap.SugaredLogger
)

// InitLogger initializes the global logger. Unknown levels fall back to info.
func InitLogger(level, format, file string) error {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	sinks := []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}
	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		sinks = append(sinks, zapcore.AddSync(f))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), parseLevel(level))

	logMu.Lock()
	logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
	logMu.Unlock()
	return nil
}

func parseLevel(level string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		return zapcore.InfoLevel
	}
	return lvl
}

// Log returns the global logger, building a development logger on first use
// if InitLogger was never called.
func Log() *zap.SugaredLogger {
	logMu.RLock()
	l := logger
	logMu.RUnlock()
	if l != nil {
		return l
	}

	logMu.Lock()
	defer logMu.Unlock()
	if logger == nil {
		zapLogger, _ := zap.NewDevelopment(zap.AddCallerSkip(1))
		logger = zapLogger.Sugar()
	}
	return logger
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Log().Sync()
}

// Debugf logs a formatted debug message
func Debugf(template string, args ...interface{}) {
	Log().Debugf(template, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	Log().Info(args...)
}

// Infof logs a formatted info message
func Infof(template string, args ...interface{}) {
	Log().Infof(template, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	Log().Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(template string, args ...interface{}) {
	Log().Warnf(template, args...)
}

// Errorf logs a formatted error message
func Errorf(template string, args ...interface{}) {
	Log().Errorf(template, args...)
}
