package commands

import (
	"bytes"
	"testing"
)

// NewForTests returns an App with args set and stdout/stderr captured.
func NewForTests(t *testing.T, args ...string) (app *App, stdout, stderr *bytes.Buffer) {
	t.Helper()
	app, err := New()
	if err != nil {
		t.Fatalf("Setup: New() error = %v", err)
	}
	stdout, stderr = &bytes.Buffer{}, &bytes.Buffer{}
	app.cmd.SetArgs(args)
	app.cmd.SetOut(stdout)
	app.cmd.SetErr(stderr)
	return app, stdout, stderr
}

// Config returns the resolved configuration after Run.
func (a *App) Config() (apiKey, apiURL, language string, verbosity int) {
	return a.config.APIKey, a.config.APIURL, a.config.Language, a.config.Verbosity
}
