package tracing

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsCredentials(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/order/approve"),
		attribute.String("pg_token", "abc"),
		attribute.String("kakao.secret_key", "xyz"),
	)
	if len(attrs) != 1 || attrs[0].Key != "http.route" {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
}

func TestSafeErrorRedactsTokens(t *testing.T) {
	if got := SafeError(errors.New("approve failed pg_token=abc")); got.Error() != "redacted error" {
		t.Fatalf("expected redaction, got %v", got)
	}
	if got := SafeError(errors.New("timeout")); got.Error() != "timeout" {
		t.Fatalf("expected message preserved, got %v", got)
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil")
	}
}
