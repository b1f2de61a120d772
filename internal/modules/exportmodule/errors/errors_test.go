package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestExportError(t *testing.T) {
	err := New(ErrorTypePipeline, "encode_video", errors.New("encoder crashed"))
	if err.Type != ErrorTypePipeline {
		t.Errorf("expected type %s, got %s", ErrorTypePipeline, err.Type)
	}

	err = err.WithJob("job-123").WithDetail("frame", 12)
	if err.Details["frame"] != 12 {
		t.Errorf("expected frame detail 12, got %v", err.Details["frame"])
	}

	expected := "pipeline error in encode_video for job job-123: encoder crashed"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
	if GetJobID(err) != "job-123" {
		t.Errorf("expected job ID 'job-123', got %s", GetJobID(err))
	}
}

func TestWrapClassifiesSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType ErrorType
		wantKind string
		wantCode string
	}{
		{"no frames", fmt.Errorf("scan /tmp/x: %w", ErrNoFramesFound), ErrorTypePipeline, "NoFramesFound", CodeEncodeFail},
		{"odd width", ErrInvalidDimensions, ErrorTypeValidation, "InvalidDimensions", CodeInvalidRequest},
		{"timeout", fmt.Errorf("drain: %w", ErrEncoderTimeout), ErrorTypeCodec, "EncoderTimeout", CodeEncodeFail},
		{"format twice", ErrUnexpectedFormatChange, ErrorTypeCodec, "UnexpectedFormatChange", CodeEncodeFail},
		{"io", fmt.Errorf("%w: disk full", ErrIOFailure), ErrorTypeIO, "IOFailure", CodeEncodeFail},
		{"queue", ErrQueueFull, ErrorTypeQueue, "QueueFull", CodeQueueFull},
		{"unknown", errors.New("boom"), ErrorTypeInternal, "internal", CodeEncodeFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := Wrap("export", tt.err)
			if wrapped.Type != tt.wantType {
				t.Errorf("expected type %s, got %s", tt.wantType, wrapped.Type)
			}
			if wrapped.Kind() != tt.wantKind {
				t.Errorf("expected kind %s, got %s", tt.wantKind, wrapped.Kind())
			}
			if wrapped.Code() != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, wrapped.Code())
			}
			if !errors.Is(wrapped, tt.err) {
				t.Error("expected wrapped error to match the original")
			}
		})
	}
}

func TestWrapPreservesExportError(t *testing.T) {
	orig := CodecError("mux", ErrMuxerNotStarted).WithJob("j1")
	wrapped := Wrap("export", fmt.Errorf("outer: %w", orig))
	if wrapped != orig {
		t.Error("expected existing ExportError to be returned unchanged")
	}
	if Wrap("export", nil) != nil {
		t.Error("expected nil for nil error")
	}
}

func TestIOErrorAlwaysMatchesSentinel(t *testing.T) {
	err := IOError("rename", errors.New("cross-device link"))
	if !errors.Is(err, ErrIOFailure) {
		t.Error("expected IOError to match ErrIOFailure")
	}
	if GetType(err) != ErrorTypeIO {
		t.Errorf("expected type %s, got %s", ErrorTypeIO, GetType(err))
	}
}

func TestIsRetryable(t *testing.T) {
	if !CodecError("drain", ErrEncoderTimeout).IsRetryable() {
		t.Error("expected encoder timeout to be retryable")
	}
	if PipelineError("scan", ErrNoFramesFound).IsRetryable() {
		t.Error("expected missing frames to be permanent")
	}
}
