package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestExitCodeForWrapsConfiguredCode(t *testing.T) {
	err := &exitError{code: exitBindError, err: errors.New("bind failed")}
	if got := exitCodeFor(err); got != exitBindError {
		t.Fatalf("expected exit code %d, got %d", exitBindError, got)
	}
}

func TestExitCodeForDefaultsToRuntimeFatal(t *testing.T) {
	if got := exitCodeFor(errors.New("something unexpected")); got != exitRuntime {
		t.Fatalf("expected default exit code %d, got %d", exitRuntime, got)
	}
}

func TestRunTestConfigRejectsMissingFile(t *testing.T) {
	err := runTestConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
	if exitCodeFor(err) != exitConfigError {
		t.Fatalf("expected exit code %d, got %d", exitConfigError, exitCodeFor(err))
	}
}

func TestRunTestConfigAcceptsWellFormedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniproxy.yaml")
	doc := `
listeners:
  - bind: "0.0.0.0:8443"
    routes:
      - sni: "*.example.com"
        action: proxy
        target: "backend.internal:8443"
    default_route: { action: hangup }
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if err := runTestConfig(path); err != nil {
		t.Fatalf("expected a well-formed config to validate cleanly, got %v", err)
	}
}

func TestRunTestConfigRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sniproxy.yaml")
	doc := `
listeners:
  - bind: "not-a-valid-bind-string"
    routes:
      - sni: "*.example.com"
        action: proxy
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	err := runTestConfig(path)
	if err == nil {
		t.Fatal("expected validation to fail")
	}
	if exitCodeFor(err) != exitConfigError {
		t.Fatalf("expected exit code %d, got %d", exitConfigError, exitCodeFor(err))
	}
}
