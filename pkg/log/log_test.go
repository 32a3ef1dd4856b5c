package log

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	return ForService(name), buf
}

func TestServiceAttribute(t *testing.T) {
	SetGlobalDebug(false)

	const name = "attr_service_test"
	l, buf := newTestLogger(t, name)

	l.Infof("hello %s", "world")
	out := buf.String()

	if !strings.Contains(out, "service="+name) {
		t.Fatalf("expected service=%s in output, got: %q", name, out)
	}
	if !strings.Contains(out, "hello world") {
		t.Fatalf("expected message in output, got: %q", out)
	}
	if !strings.Contains(out, "level=INFO") {
		t.Fatalf("expected INFO level, got: %q", out)
	}
}

func TestWithAddsFields(t *testing.T) {
	l, buf := newTestLogger(t, "with_service_test")

	l.With("mailbox", "m1").Warnf("lagged")
	out := buf.String()
	if !strings.Contains(out, "mailbox=m1") {
		t.Fatalf("expected mailbox field, got: %q", out)
	}
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("expected WARN level, got: %q", out)
	}

	buf.Reset()
	l.Infof("plain")
	if strings.Contains(buf.String(), "mailbox=m1") {
		t.Fatalf("parent logger must not inherit child fields: %q", buf.String())
	}
}

func TestDebugPerService(t *testing.T) {
	SetGlobalDebug(false)

	const name = "debug_service_specific"
	DisableDebugFor(name)
	l, buf := newTestLogger(t, name)

	l.Debugf("should not appear")
	if strings.Contains(buf.String(), "should not appear") {
		t.Fatalf("debug message appeared while debug disabled")
	}

	EnableDebugFor(name)
	l.Debugf("visible now")
	if !strings.Contains(buf.String(), "visible now") {
		t.Fatalf("expected debug message after enabling per-service debug; got: %q", buf.String())
	}
	DisableDebugFor(name)
}

func TestConfigureReplacesServiceSet(t *testing.T) {
	Configure(false, []string{"cfg_a"})
	if !DebugEnabledFor("cfg_a") {
		t.Fatalf("cfg_a should be enabled")
	}

	Configure(false, []string{"cfg_b"})
	if DebugEnabledFor("cfg_a") {
		t.Fatalf("cfg_a should have been disabled by the second Configure")
	}
	if !DebugEnabledFor("cfg_b") {
		t.Fatalf("cfg_b should be enabled")
	}

	Configure(true, nil)
	defer Configure(false, nil)
	if !DebugEnabledFor("anything") {
		t.Fatalf("global debug should enable every service")
	}
}
