// Package logger builds the process logger: zap with a rotating JSON file
// sink next to stdout.
package logger

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Dir is the directory of the log files.  Empty disables the file sink.
	Dir string
	// File is the name of the application log inside Dir.
	File string
	// Debug switches to console encoding at debug level.
	Debug bool
}

// New returns a logger writing to stdout and, when Dir is set, to a
// lumberjack rotated file.
func New(opts Options) (*zap.Logger, error) {
	encoderConfig := zap.NewProductionEncoderConfig()
	if opts.Debug {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.CallerKey = "caller"
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	encoder := zapcore.NewJSONEncoder(encoderConfig)
	if opts.Debug {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}
	level := zap.InfoLevel
	if opts.Debug {
		level = zap.DebugLevel
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)}
	if opts.Dir != "" {
		name := opts.File
		if name == "" {
			name = "ticket-booking.log"
		}
		w, err := RotatingFile(opts.Dir, name)
		if err != nil {
			return nil, err
		}
		// the file always gets JSON so it stays machine readable
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(w), level))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// RotatingFile returns a lumberjack writer for dir/name, creating dir.
func RotatingFile(dir, name string) (io.WriteCloser, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, name),
		MaxSize:    10, // MB
		MaxBackups: 7,
		MaxAge:     28, // days
		Compress:   true,
	}, nil
}
