package logger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestFromContextFallsBackToGlobal(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected global logger")
	}
}

func TestWithContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf).With().Str("request_id", "req-1").Logger()

	ctx := WithContext(context.Background(), &l)
	FromContext(ctx).Info().Msg("hello")

	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Fatalf("context logger not used, output=%s", buf.String())
	}
}

func TestEnrichAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf).With().Str("request_id", "req-2").Logger()
	ctx := WithContext(context.Background(), &base)

	ctx = Enrich(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("account_id", "acc-1")
	})
	FromContext(ctx).Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"request_id":"req-2"`) || !strings.Contains(out, `"account_id":"acc-1"`) {
		t.Fatalf("expected both fields, output=%s", out)
	}
}
