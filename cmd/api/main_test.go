package main

import (
	"errors"
	"testing"

	appconfig "github.com/apexrad/radsched/internal/config"
)

func TestExitCodeMapsConfigErrors(t *testing.T) {
	missing := &appconfig.ConfigError{Missing: []string{"DATABASE_URL"}}
	if got := exitCode(missing); got != appconfig.ExitMissingEnv {
		t.Fatalf("expected exit %d for missing env, got %d", appconfig.ExitMissingEnv, got)
	}

	invalid := &appconfig.ConfigError{Invalid: []string{"PORT must be numeric"}}
	if got := exitCode(invalid); got != appconfig.ExitConfigError {
		t.Fatalf("expected exit %d for invalid config, got %d", appconfig.ExitConfigError, got)
	}

	wrapped := errors.Join(errors.New("context"), missing)
	if got := exitCode(wrapped); got != appconfig.ExitMissingEnv {
		t.Fatalf("expected wrapped config error to keep exit %d, got %d", appconfig.ExitMissingEnv, got)
	}
}

func TestExitCodeDefaultsForUnknownErrors(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != appconfig.ExitConfigError {
		t.Fatalf("expected default exit %d, got %d", appconfig.ExitConfigError, got)
	}
}
