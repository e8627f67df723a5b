package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var logger *logrus.Logger
var runLogger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
	})
	logger.SetLevel(logrus.InfoLevel)

	runLogger = logrus.New()
	runLogger.SetOutput(os.Stdout)
	runLogger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		DisableColors: false,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "time",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "run_msg",
		},
	})
	runLogger.SetLevel(logrus.InfoLevel)
}

func GetLogger() *logrus.Logger {
	return logger
}

// GetRunLogger returns the logger used for output of individual task runs.
func GetRunLogger() *logrus.Logger {
	return runLogger
}

// ForRun returns an entry tagged with the run identifier.
func ForRun(identifier string) *logrus.Entry {
	return runLogger.WithField("identifier", identifier)
}

func SetLogLevel(level string) error {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logger.SetLevel(logLevel)
	runLogger.SetLevel(logLevel)
	return nil
}

func SetFormatter(formatter logrus.Formatter) {
	logger.SetFormatter(formatter)
}

// SetFormat switches both loggers to one of "text", "json" or "prefixed".
func SetFormat(format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		runLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
		runLogger.SetFormatter(&logrus.JSONFormatter{})
	case "prefixed":
		logger.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true, ForceFormatting: true})
		runLogger.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true, ForceFormatting: true})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	return nil
}

// AddFileOutput mirrors all log output into w in addition to stdout.
func AddFileOutput(w io.Writer) {
	logger.SetOutput(io.MultiWriter(os.Stdout, w))
	runLogger.SetOutput(io.MultiWriter(os.Stdout, w))
}
