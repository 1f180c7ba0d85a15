package logutil

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	old := slog.Default()
	defer slog.SetDefault(old)

	slog.SetDefault(NewLogger(&buf, slog.LevelDebug))
	Trace("hidden")
	if buf.Len() != 0 {
		t.Fatalf("TRACE bei DEBUG-Level sollte nichts ausgeben, bekommen %q", buf.String())
	}

	slog.SetDefault(NewLogger(&buf, LevelTrace))
	Trace("visible", "k", 1)

	out := buf.String()
	for _, want := range []string{"level=TRACE", "msg=visible", "k=1", "source=logutil_test.go:"} {
		if !strings.Contains(out, want) {
			t.Errorf("erwartet %q in %q", want, out)
		}
	}
}
