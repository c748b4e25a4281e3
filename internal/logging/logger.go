package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogSizeMB  = 50
	maxLogBackups = 5
	maxLogAgeDays = 28
)

// Setup builds the process logger. Unknown levels fall back to info. When
// file is set, output is also written there and rotated.
func Setup(level, file string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(Output(os.Stdout, file))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(ParseLevel(level))
	return logger
}

// ParseLevel parses a level name case-insensitively, defaulting to info.
func ParseLevel(level string) logrus.Level {
	if level == "" {
		return logrus.InfoLevel
	}
	lv, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return logrus.InfoLevel
	}
	return lv
}

// Output returns console, or console plus a rotating file.
func Output(console io.Writer, file string) io.Writer {
	if file == "" {
		return console
	}
	return io.MultiWriter(console, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    maxLogSizeMB,
		MaxBackups: maxLogBackups,
		MaxAge:     maxLogAgeDays,
	})
}
