package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorTypeMapping(t *testing.T) {
	cases := map[Code]string{
		CodeLocked:      TypeLocked,
		CodeNoCredits:   TypeNoCredits,
		CodeNoResponse:  TypeNoResponse,
		CodeAuth:        TypeGeneric,
		CodeRateLimited: TypeGeneric,
		CodeTimeout:     TypeGeneric,
		CodeAPI:         TypeGeneric,
		Code("BOGUS"):   TypeGeneric,
	}
	for code, want := range cases {
		if got := ErrorTypeOf(New(code, "")); got != want {
			t.Errorf("ErrorTypeOf(%s) = %q, want %q", code, got, want)
		}
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("resolve: %w", New(CodeLocked, "session key cleared"))
	if !stdErrors.Is(err, ErrLocked) {
		t.Fatalf("expected wrapped error to match ErrLocked")
	}
	if stdErrors.Is(err, ErrAuth) {
		t.Fatalf("locked error must not match ErrAuth")
	}
}

func TestWrapKeepsCauseAndStatus(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeAPI, cause, "upstream failed", WithStatus(503), WithBody("oops"))
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if err.Status() != 503 || err.Body() != "oops" {
		t.Fatalf("unexpected status/body: %d %q", err.Status(), err.Body())
	}
	if HTTPStatusOf(err) != http.StatusBadGateway {
		t.Fatalf("unexpected http status %d", HTTPStatusOf(err))
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
	if CodeOf(nil) != CodeUnknown {
		t.Fatalf("nil should map to UNKNOWN")
	}
}

func TestDefaultMessage(t *testing.T) {
	err := New(CodeNoCredits, "")
	if err.Message() != "provider account has no credits left" {
		t.Fatalf("unexpected default message %q", err.Message())
	}
}
