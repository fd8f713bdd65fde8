package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

// TraceIDKey carries an optional caller trace ID into log entries
const TraceIDKey contextKey = "trace_id"

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// StructuredLogger tags every entry with the scan it belongs to
type StructuredLogger struct {
	logger *logrus.Logger
	scanID string
}

// NewScanID returns a sortable, unique identifier for one scan
func NewScanID() string {
	return ksuid.New().String()
}

// NewStructuredLogger writes to stderr. The format defaults to text on a
// terminal and JSON otherwise; LOG_LEVEL and LOG_FORMAT override the defaults.
func NewStructuredLogger(scanID string) *StructuredLogger {
	return NewStructuredLoggerWithOutput(scanID, os.Stderr, "", "")
}

// NewStructuredLoggerWithOutput is NewStructuredLogger with explicit output,
// level and format. Empty level or format fall back to the environment.
func NewStructuredLoggerWithOutput(scanID string, out io.Writer, level string, format Format) *StructuredLogger {
	if scanID == "" {
		scanID = NewScanID()
	}
	logger := logrus.New()
	logger.SetOutput(out)

	if format == "" {
		format = Format(strings.ToLower(os.Getenv("LOG_FORMAT")))
	}
	if format == "" {
		format = defaultFormat(out)
	}
	switch format {
	case FormatText:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger.SetLevel(logrus.InfoLevel)
	if level != "" {
		if lvl, err := logrus.ParseLevel(level); err == nil {
			logger.SetLevel(lvl)
		}
	}

	return &StructuredLogger{logger: logger, scanID: scanID}
}

func defaultFormat(out io.Writer) Format {
	if f, ok := out.(*os.File); ok {
		if isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()) {
			return FormatText
		}
	}
	return FormatJSON
}

// WithContext returns an entry carrying the scan ID and, when present, the
// trace ID stored in ctx.
func (s *StructuredLogger) WithContext(ctx context.Context) *logrus.Entry {
	entry := s.logger.WithFields(logrus.Fields{
		"component": "imginv",
		"scan_id":   s.scanID,
	})
	if ctx != nil {
		if traceID := ctx.Value(TraceIDKey); traceID != nil {
			entry = entry.WithField("trace_id", traceID)
		}
	}
	return entry
}

// Entry is WithContext without a context, for libraries taking a FieldLogger
func (s *StructuredLogger) Entry() *logrus.Entry {
	return s.WithContext(context.Background())
}

func (s *StructuredLogger) ScanID() string {
	return s.scanID
}

func (s *StructuredLogger) LogScanStart(ctx context.Context, image string, source string) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":  "scan_start",
		"image":  image,
		"source": source,
	}).Info("Starting image scan")
}

func (s *StructuredLogger) LogScanComplete(ctx context.Context, success bool, duration time.Duration, packages int, errorCount int) {
	entry := s.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "scan_complete",
		"success":  success,
		"duration": duration.String(),
		"packages": packages,
		"errors":   errorCount,
	})

	if success {
		entry.Info("Image scan completed")
	} else {
		entry.Error("Image scan failed")
	}
}

// LogStage records the outcome of one pipeline stage
func (s *StructuredLogger) LogStage(ctx context.Context, stage string, duration time.Duration, err error) {
	entry := s.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "stage_complete",
		"stage":    stage,
		"duration": duration.String(),
		"success":  err == nil,
	})
	if err != nil {
		entry.WithField("error", err.Error()).Error(fmt.Sprintf("Failed scan stage: %s", stage))
		return
	}
	entry.Debug(fmt.Sprintf("Completed scan stage: %s", stage))
}

func (s *StructuredLogger) LogAcquire(ctx context.Context, source string, image string, success bool, duration time.Duration) {
	entry := s.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "acquire",
		"source":   source,
		"image":    image,
		"success":  success,
		"duration": duration.String(),
	})

	if success {
		entry.Info(fmt.Sprintf("Image archive obtained from %s", source))
	} else {
		entry.Warn(fmt.Sprintf("Could not obtain image archive from %s", source))
	}
}

func (s *StructuredLogger) LogError(ctx context.Context, err error, operation string) {
	s.WithContext(ctx).WithFields(logrus.Fields{
		"event":     "error",
		"operation": operation,
		"error":     err.Error(),
	}).Error(fmt.Sprintf("Operation failed: %s", operation))
}

func (s *StructuredLogger) SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	s.logger.SetLevel(lvl)
	return nil
}

// GetLogger returns the underlying logrus logger
func (s *StructuredLogger) GetLogger() *logrus.Logger {
	return s.logger
}
