package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestError_IsMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream("detect_all", "2024-01-15", cause)

	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Error("expected errors.Is to match ErrUpstreamUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to match the cause")
	}
	if errors.Is(err, ErrNotFound) {
		t.Error("did not expect errors.Is to match ErrNotFound")
	}
}

func TestError_IsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("scan chunk 3: %w", NotFound("resolve_leak", "abc"))
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected wrapped error to match ErrNotFound")
	}
	var ae *Error
	if !errors.As(err, &ae) {
		t.Fatal("expected errors.As to find *Error")
	}
	if ae.Ref != "abc" {
		t.Errorf("Ref = %q, want abc", ae.Ref)
	}
}

func TestError_Message(t *testing.T) {
	err := VersionConflict("resolve_leak", "leak-1", 1)
	msg := err.Error()
	for _, want := range []string{"resolve_leak", "version conflict", "leak-1", "expected version 1", "re-fetch"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Upstream("op", "", errors.New("x"))) {
		t.Error("upstream errors should be retryable")
	}
	if Retryable(StoreWrite("op", "", errors.New("x"))) {
		t.Error("store write failures should not be retryable")
	}
	if Retryable(Validation("op", "bad")) {
		t.Error("validation errors should not be retryable")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("op", "bad"), http.StatusBadRequest},
		{NotFound("op", "x"), http.StatusNotFound},
		{InvalidTransition("op", "x", "no"), http.StatusConflict},
		{VersionConflict("op", "x", 1), http.StatusConflict},
		{Upstream("op", "", nil), http.StatusServiceUnavailable},
		{StoreWrite("op", "", nil), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
