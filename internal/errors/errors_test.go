package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestScanError_Error(t *testing.T) {
	tests := []struct {
		name     string
		error    *ScanError
		expected string
	}{
		{
			name: "path and action",
			error: &ScanError{
				Kind:      ErrorKindExtraction,
				Severity:  ErrorSeverityLow,
				Operation: "extract",
				Path:      "var/lib/dpkg/status",
				Action:    "dpkg-status",
				Message:   "unexpected EOF",
			},
			expected: "[extraction:low] extract operation on var/lib/dpkg/status (action dpkg-status): unexpected EOF",
		},
		{
			name: "operation only error",
			error: &ScanError{
				Kind:      ErrorKindFormat,
				Severity:  ErrorSeverityCritical,
				Operation: "resolve_manifest",
				Message:   "no manifest.json found",
			},
			expected: "[format:critical] resolve_manifest operation: no manifest.json found",
		},
		{
			name: "minimal error",
			error: &ScanError{
				Kind:     ErrorKindUnknown,
				Severity: ErrorSeverityMedium,
				Message:  "unknown error",
			},
			expected: "[unknown:medium] unknown error",
		},
		{
			name: "cause appended",
			error: &ScanError{
				Kind:     ErrorKindRegistry,
				Severity: ErrorSeverityMedium,
				Message:  "pull failed",
				Cause:    fmt.Errorf("connection refused"),
			},
			expected: "[registry:medium] pull failed: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.error.Error(); got != tt.expected {
				t.Errorf("ScanError.Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestErrorBuilder_Defaults(t *testing.T) {
	tests := []struct {
		name      string
		builder   *ErrorBuilder
		kind      ErrorKind
		severity  ErrorSeverity
		retryable bool
	}{
		{
			name:      "manifest operation is a format error",
			builder:   NewErrorBuilder().Operation("resolve_manifest").Message("bad index"),
			kind:      ErrorKindFormat,
			severity:  ErrorSeverityCritical,
			retryable: false,
		},
		{
			name:      "pull operation is a registry error",
			builder:   NewErrorBuilder().Operation("pull").Message("boom"),
			kind:      ErrorKindRegistry,
			severity:  ErrorSeverityMedium,
			retryable: true,
		},
		{
			name:      "explicit retryable override",
			builder:   NewErrorBuilder().Kind(ErrorKindRegistry).Retryable(false).Message("unauthorized"),
			kind:      ErrorKindRegistry,
			severity:  ErrorSeverityMedium,
			retryable: false,
		},
		{
			name:      "unknown",
			builder:   NewErrorBuilder().Message("something odd"),
			kind:      ErrorKindUnknown,
			severity:  ErrorSeverityLow,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.builder.Build()
			if err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", err.Kind, tt.kind)
			}
			if err.Severity != tt.severity {
				t.Errorf("Severity = %v, want %v", err.Severity, tt.severity)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if err.StackTrace == "" {
				t.Error("expected stack trace to be captured")
			}
		})
	}
}

func TestKindHelpers(t *testing.T) {
	formatErr := NewFormatError("resolve_manifest", "missing index.json", nil)
	refErr := NewInvalidReferenceError("", "empty image reference")
	extractErr := NewExtractionError("etc/os-release", "os-release", fmt.Errorf("read failed"))

	wrapped := fmt.Errorf("scan failed: %w", formatErr)

	if !IsFormatError(wrapped) {
		t.Error("IsFormatError() = false for wrapped format error")
	}
	if IsFormatError(refErr) {
		t.Error("IsFormatError() = true for invalid reference error")
	}
	if !IsInvalidReferenceError(refErr) {
		t.Error("IsInvalidReferenceError() = false")
	}
	if !IsExtractionError(extractErr) {
		t.Error("IsExtractionError() = false")
	}
	if KindOf(stderrors.New("plain")) != ErrorKindUnknown {
		t.Error("KindOf() of a plain error should be unknown")
	}
	if IsFormatError(nil) {
		t.Error("IsFormatError(nil) = true")
	}
}

func TestWrapError(t *testing.T) {
	if WrapError(nil, "op") != nil {
		t.Fatal("WrapError(nil) should return nil")
	}

	original := NewDaemonError("export_image", "daemon unavailable", nil)
	if got := WrapError(fmt.Errorf("context: %w", original), "scan"); got != original {
		t.Errorf("WrapError() did not return the wrapped ScanError")
	}

	plain := stderrors.New("open /tmp/x: no such file or directory")
	wrapped := WrapError(plain, "open_archive")
	if wrapped.Kind != ErrorKindFilesystem {
		t.Errorf("WrapError() kind = %v, want %v", wrapped.Kind, ErrorKindFilesystem)
	}
	if !stderrors.Is(wrapped, plain) {
		t.Error("WrapError() should keep the cause in the chain")
	}
}

func TestCancelledErrorFromContext(t *testing.T) {
	err := NewCancelledError("scan", context.Canceled)
	if err.Kind != ErrorKindCancelled {
		t.Errorf("Kind = %v, want %v", err.Kind, ErrorKindCancelled)
	}
	if !stderrors.Is(err, context.Canceled) {
		t.Error("cancelled error should unwrap to context.Canceled")
	}
}

func TestErrorCollector(t *testing.T) {
	collector := NewErrorCollector()
	if collector.HasErrors() {
		t.Error("new collector should have no errors")
	}
	if collector.ToError() != nil {
		t.Error("ToError() should be nil without errors")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			collector.AddError(NewExtractionError(fmt.Sprintf("file-%d", i), "action", fmt.Errorf("failed %d", i)))
		}(i)
	}
	wg.Wait()
	collector.AddError(nil)
	collector.AddWarning("skipped large file")

	if got := len(collector.GetErrors()); got != 20 {
		t.Errorf("GetErrors() len = %d, want 20", got)
	}
	if got := len(collector.GetWarnings()); got != 1 {
		t.Errorf("GetWarnings() len = %d, want 1", got)
	}

	err := collector.ToError()
	if !IsExtractionError(err) {
		t.Errorf("ToError() kind = %v, want extraction", KindOf(err))
	}
	if !strings.Contains(err.Error(), "multiple errors occurred") {
		t.Errorf("ToError() = %v", err)
	}
}

func TestGetUserFriendlyMessage(t *testing.T) {
	err := NewInvalidReferenceError("", "empty image reference")
	msg := err.GetUserFriendlyMessage()
	if !strings.HasPrefix(msg, "empty image reference") {
		t.Errorf("GetUserFriendlyMessage() = %q", msg)
	}
	if !strings.Contains(msg, "Suggestion:") {
		t.Errorf("GetUserFriendlyMessage() missing suggestion: %q", msg)
	}
}
