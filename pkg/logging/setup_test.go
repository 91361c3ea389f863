package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWritesStderrAndFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var stderr bytes.Buffer

	logger, closer, err := Setup(Options{Stderr: &stderr, Dir: dir})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	logger.Info("[REFRESH] Pass complete", "properties", 2)
	logger.Debug("hidden")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if !strings.Contains(stderr.String(), "Pass complete") {
		t.Errorf("stderr missing message: %s", stderr.String())
	}
	if strings.Contains(stderr.String(), "hidden") {
		t.Errorf("debug message logged at info level: %s", stderr.String())
	}

	data, err := os.ReadFile(filepath.Join(dir, "databar.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"properties":2`) {
		t.Errorf("log file is not JSON: %s", data)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != dirPerm {
		t.Errorf("log dir perm = %o, want %o", info.Mode().Perm(), dirPerm)
	}
}

func TestSetupDebugWithoutFile(t *testing.T) {
	var stderr bytes.Buffer
	logger, closer, err := Setup(Options{Stderr: &stderr, Debug: true})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer closer.Close()

	logger.Debug("verbose")
	if !strings.Contains(stderr.String(), "verbose") {
		t.Errorf("debug message missing: %s", stderr.String())
	}
}

func TestSetupRedactsCredentials(t *testing.T) {
	var stderr bytes.Buffer
	logger, closer, err := Setup(Options{Stderr: &stderr})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer closer.Close()

	logger.Info("[AUTH] Loaded", "access_token", "ya29.secret", "method", "stored token")
	out := stderr.String()
	if strings.Contains(out, "ya29.secret") {
		t.Errorf("token leaked: %s", out)
	}
	if !strings.Contains(out, "access_token=[redacted]") || !strings.Contains(out, "stored token") {
		t.Errorf("unexpected output: %s", out)
	}
}
