package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	if info.Version == "" {
		t.Error("expected non-empty version")
	}
	if info.GoVersion == "" {
		t.Error("expected non-empty go version")
	}
	if !strings.Contains(info.Platform, runtime.GOOS) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOOS, info.Platform)
	}
	if !strings.Contains(info.Platform, runtime.GOARCH) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOARCH, info.Platform)
	}
}

func TestString(t *testing.T) {
	s := String()

	if !strings.Contains(s, ApplicationName) {
		t.Errorf("expected string to contain %s, got %s", ApplicationName, s)
	}
	if !strings.Contains(s, "version") {
		t.Errorf("expected string to contain 'version', got %s", s)
	}
}

func TestStringWithCommit(t *testing.T) {
	originalVersion := Version
	originalCommit := Commit
	originalDate := Date
	defer func() {
		Version = originalVersion
		Commit = originalCommit
		Date = originalDate
	}()

	Version = "1.0.0"
	Commit = "abc123def456789"
	Date = "2026-01-15T10:30:00Z"

	s := String()
	if !strings.Contains(s, "abc123de") {
		t.Errorf("expected string to contain truncated commit hash, got %s", s)
	}
	if !strings.Contains(s, "2026-01-15") {
		t.Errorf("expected string to contain date, got %s", s)
	}
}

func TestShort(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	Version = "1.0.0"
	if s := Short(); !strings.Contains(s, "1.0.0") {
		t.Errorf("expected short string to contain version, got %s", s)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, ApplicationName+"/") {
		t.Errorf("expected user agent to start with %s/, got %s", ApplicationName, ua)
	}
}

func TestIsSnapshot(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	tests := []struct {
		version  string
		expected bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"1.0.1-SNAPSHOT.abc1234", true},
		{"1.2.3-alpha.1", false},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			Version = tt.version
			if got := IsSnapshot(); got != tt.expected {
				t.Errorf("IsSnapshot() = %v for version %q, want %v", got, tt.version, tt.expected)
			}
		})
	}
}

func TestIsRelease(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	tests := []struct {
		version  string
		expected bool
	}{
		{"dev", false},
		{"1.0.0", true},
		{"1.0.1-SNAPSHOT.abc1234", false},
		{"1.2.3-alpha.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			Version = tt.version
			if got := IsRelease(); got != tt.expected {
				t.Errorf("IsRelease() = %v for version %q, want %v", got, tt.version, tt.expected)
			}
		})
	}
}
