package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorKind classifies fatal and collected scan errors so callers can present a specific message
type ErrorKind string

const (
	ErrorKindFormat           ErrorKind = "format"
	ErrorKindInvalidReference ErrorKind = "invalid_reference"
	ErrorKindExtraction       ErrorKind = "extraction"
	ErrorKindRegistry         ErrorKind = "registry"
	ErrorKindDaemon           ErrorKind = "daemon"
	ErrorKindFilesystem       ErrorKind = "filesystem"
	ErrorKindConfiguration    ErrorKind = "configuration"
	ErrorKindCancelled        ErrorKind = "cancelled"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// ErrorSeverity represents the severity level of an error
type ErrorSeverity string

const (
	ErrorSeverityLow      ErrorSeverity = "low"
	ErrorSeverityMedium   ErrorSeverity = "medium"
	ErrorSeverityHigh     ErrorSeverity = "high"
	ErrorSeverityCritical ErrorSeverity = "critical"
)

// ScanError is the error type shared by every stage of a scan
type ScanError struct {
	Kind       ErrorKind              `json:"kind"`
	Severity   ErrorSeverity          `json:"severity"`
	Message    string                 `json:"message"`
	Cause      error                  `json:"-"`
	Operation  string                 `json:"operation,omitempty"`
	Path       string                 `json:"path,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Retryable  bool                   `json:"retryable"`
	Suggestion string                 `json:"suggestion,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
}

// Error implements the error interface
func (e *ScanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s:%s] ", e.Kind, e.Severity)
	if e.Operation != "" {
		fmt.Fprintf(&b, "%s operation", e.Operation)
		if e.Path != "" {
			fmt.Fprintf(&b, " on %s", e.Path)
		}
		if e.Action != "" {
			fmt.Fprintf(&b, " (action %s)", e.Action)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil && !strings.Contains(e.Message, e.Cause.Error()) {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *ScanError) Unwrap() error {
	return e.Cause
}

// GetUserFriendlyMessage returns a user-friendly error message with suggestions
func (e *ScanError) GetUserFriendlyMessage() string {
	msg := e.Message
	if e.Cause != nil && !strings.Contains(msg, e.Cause.Error()) {
		msg += ": " + e.Cause.Error()
	}
	if e.Suggestion != "" {
		msg += "\n\nSuggestion: " + e.Suggestion
	}
	return msg
}

// ErrorBuilder helps construct ScanError instances with proper classification
type ErrorBuilder struct {
	kind       ErrorKind
	severity   ErrorSeverity
	message    string
	cause      error
	operation  string
	path       string
	action     string
	retryable  *bool
	suggestion string
	metadata   map[string]interface{}
}

func NewErrorBuilder() *ErrorBuilder {
	return &ErrorBuilder{
		metadata: make(map[string]interface{}),
	}
}

func (b *ErrorBuilder) Kind(kind ErrorKind) *ErrorBuilder {
	b.kind = kind
	return b
}

func (b *ErrorBuilder) Severity(severity ErrorSeverity) *ErrorBuilder {
	b.severity = severity
	return b
}

func (b *ErrorBuilder) Message(message string) *ErrorBuilder {
	b.message = message
	return b
}

func (b *ErrorBuilder) Messagef(format string, args ...interface{}) *ErrorBuilder {
	b.message = fmt.Sprintf(format, args...)
	return b
}

func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.cause = err
	return b
}

func (b *ErrorBuilder) Operation(operation string) *ErrorBuilder {
	b.operation = operation
	return b
}

// Path sets the archive or image path the error relates to
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.path = path
	return b
}

// Action sets the extraction action the error relates to
func (b *ErrorBuilder) Action(action string) *ErrorBuilder {
	b.action = action
	return b
}

func (b *ErrorBuilder) Retryable(retryable bool) *ErrorBuilder {
	b.retryable = &retryable
	return b
}

func (b *ErrorBuilder) Suggestion(suggestion string) *ErrorBuilder {
	b.suggestion = suggestion
	return b
}

func (b *ErrorBuilder) Metadata(key string, value interface{}) *ErrorBuilder {
	b.metadata[key] = value
	return b
}

// Build creates the ScanError instance
func (b *ErrorBuilder) Build() *ScanError {
	if b.kind == "" {
		b.kind = classifyError(b.message, b.operation)
	}
	if b.severity == "" {
		b.severity = determineSeverity(b.kind)
	}
	retryable := isRetryableKind(b.kind)
	if b.retryable != nil {
		retryable = *b.retryable
	}

	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)

	return &ScanError{
		Kind:       b.kind,
		Severity:   b.severity,
		Message:    b.message,
		Cause:      b.cause,
		Operation:  b.operation,
		Path:       b.path,
		Action:     b.action,
		Timestamp:  time.Now(),
		Retryable:  retryable,
		Suggestion: b.suggestion,
		Metadata:   b.metadata,
		StackTrace: string(buf[:n]),
	}
}

// classifyError guesses a kind from the operation and message when none was set
func classifyError(message, operation string) ErrorKind {
	msgLower := strings.ToLower(message)
	opLower := strings.ToLower(operation)

	switch {
	case strings.Contains(opLower, "manifest") || strings.Contains(opLower, "resolve"):
		return ErrorKindFormat
	case strings.Contains(opLower, "pull") || strings.Contains(opLower, "registry"):
		return ErrorKindRegistry
	case strings.Contains(opLower, "daemon") || strings.Contains(opLower, "export"):
		return ErrorKindDaemon
	case strings.Contains(opLower, "extract"):
		return ErrorKindExtraction
	}

	switch {
	case strings.Contains(msgLower, "context canceled") || strings.Contains(msgLower, "deadline exceeded"):
		return ErrorKindCancelled
	case strings.Contains(msgLower, "reference"):
		return ErrorKindInvalidReference
	case strings.Contains(msgLower, "manifest") || strings.Contains(msgLower, "digest"):
		return ErrorKindFormat
	case strings.Contains(msgLower, "registry") || strings.Contains(msgLower, "connection") || strings.Contains(msgLower, "timeout"):
		return ErrorKindRegistry
	case strings.Contains(msgLower, "config"):
		return ErrorKindConfiguration
	case strings.Contains(msgLower, "file") || strings.Contains(msgLower, "directory") || strings.Contains(msgLower, "no such"):
		return ErrorKindFilesystem
	default:
		return ErrorKindUnknown
	}
}

func determineSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case ErrorKindFormat, ErrorKindInvalidReference:
		return ErrorSeverityCritical
	case ErrorKindConfiguration, ErrorKindFilesystem:
		return ErrorSeverityHigh
	case ErrorKindRegistry, ErrorKindDaemon, ErrorKindCancelled:
		return ErrorSeverityMedium
	default:
		return ErrorSeverityLow
	}
}

func isRetryableKind(kind ErrorKind) bool {
	switch kind {
	case ErrorKindRegistry, ErrorKindDaemon:
		return true
	default:
		return false
	}
}

// NewFormatError creates an error for an unrecognized archive dialect or an unresolvable digest
func NewFormatError(operation, message string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindFormat).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check that the archive was produced by docker save or an OCI image layout writer and matches the declared image type").
		Build()
}

// NewInvalidReferenceError creates an error for an image reference that cannot be parsed
func NewInvalidReferenceError(reference, message string) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindInvalidReference).
		Operation("parse_reference").
		Message(message).
		Metadata("reference", reference).
		Suggestion("Use the form [registry/]name[:tag|@sha256:digest]").
		Build()
}

// NewExtractionError creates a per-path or per-action extraction failure
func NewExtractionError(path, action string, cause error) *ScanError {
	msg := "extraction failed"
	if cause != nil {
		msg = cause.Error()
	}
	return NewErrorBuilder().
		Kind(ErrorKindExtraction).
		Operation("extract").
		Path(path).
		Action(action).
		Message(msg).
		Cause(cause).
		Build()
}

// NewRegistryError creates a registry-related error
func NewRegistryError(operation, message string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindRegistry).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check registry connectivity and that the image exists").
		Build()
}

// NewDaemonError creates a container daemon error
func NewDaemonError(operation, message string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindDaemon).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check that the docker daemon is running and DOCKER_HOST is set correctly").
		Build()
}

// NewFilesystemError creates a filesystem-related error
func NewFilesystemError(operation, message string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindFilesystem).
		Operation(operation).
		Message(message).
		Cause(cause).
		Suggestion("Check file paths and permissions").
		Build()
}

func NewConfigurationError(operation, message string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindConfiguration).
		Operation(operation).
		Message(message).
		Cause(cause).
		Build()
}

func NewCancelledError(operation string, cause error) *ScanError {
	return NewErrorBuilder().
		Kind(ErrorKindCancelled).
		Operation(operation).
		Message("scan cancelled").
		Cause(cause).
		Retryable(false).
		Build()
}

// WrapError wraps an existing error with ScanError classification
func WrapError(err error, operation string) *ScanError {
	if err == nil {
		return nil
	}

	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr
	}

	return NewErrorBuilder().
		Message(err.Error()).
		Cause(err).
		Operation(operation).
		Build()
}

// KindOf returns the kind of the first ScanError in err's chain
func KindOf(err error) ErrorKind {
	var scanErr *ScanError
	if stderrors.As(err, &scanErr) {
		return scanErr.Kind
	}
	return ErrorKindUnknown
}

func IsFormatError(err error) bool {
	return err != nil && KindOf(err) == ErrorKindFormat
}

func IsInvalidReferenceError(err error) bool {
	return err != nil && KindOf(err) == ErrorKindInvalidReference
}

func IsExtractionError(err error) bool {
	return err != nil && KindOf(err) == ErrorKindExtraction
}

// ErrorCollector collects errors from concurrent scan workers
type ErrorCollector struct {
	mu       sync.Mutex
	errors   []*ScanError
	warnings []string
}

func NewErrorCollector() *ErrorCollector {
	return &ErrorCollector{
		errors:   make([]*ScanError, 0),
		warnings: make([]string, 0),
	}
}

func (c *ErrorCollector) AddError(err *ScanError) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()
}

func (c *ErrorCollector) AddWarning(message string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, message)
	c.mu.Unlock()
}

func (c *ErrorCollector) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// GetErrors returns a copy of all collected errors
func (c *ErrorCollector) GetErrors() []*ScanError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ScanError, len(c.errors))
	copy(out, c.errors)
	return out
}

func (c *ErrorCollector) GetWarnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// ToError converts the collector to a single error if there are errors
func (c *ErrorCollector) ToError() error {
	errs := c.GetErrors()
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}

	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}

	return NewErrorBuilder().
		Kind(errs[0].Kind).
		Severity(ErrorSeverityHigh).
		Message(fmt.Sprintf("multiple errors occurred: %s", strings.Join(messages, "; "))).
		Build()
}
