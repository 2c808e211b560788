package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeToken(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	return path
}

func TestLoadCredentials_Inline(t *testing.T) {
	creds, err := LoadCredentials("  secret-token \n", "", " user-1 ")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "secret-token" {
		t.Errorf("Token = %q, want %q", creds.Token, "secret-token")
	}
	if creds.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", creds.UserID, "user-1")
	}
}

func TestLoadCredentials_File(t *testing.T) {
	path := writeToken(t, "file-token\n")

	creds, err := LoadCredentials("", path, "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if creds.Token != "file-token" {
		t.Errorf("Token = %q, want %q", creds.Token, "file-token")
	}
}

func TestLoadCredentials_Anonymous(t *testing.T) {
	creds, err := LoadCredentials("", "", "")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if !creds.Anonymous() {
		t.Error("Anonymous() = false for empty token")
	}
}

func TestLoadCredentials_Errors(t *testing.T) {
	tests := []struct {
		name    string
		token   string
		path    string
		wantErr string
	}{
		{"both set", "tok", "/tmp/token", "mutually exclusive"},
		{"missing file", "", filepath.Join(t.TempDir(), "nope"), "read token file"},
		{"empty file", "", writeToken(t, "  \n"), "is empty"},
		{"two tokens", "", writeToken(t, "a\nb\n"), "more than one token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredentials(tt.token, tt.path, "")
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		EnvToken:  "env-token",
		EnvUserID: "u-9",
	}

	creds, err := FromEnv(func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if creds.Token != "env-token" || creds.UserID != "u-9" {
		t.Errorf("creds = %+v, want env-token/u-9", creds)
	}
}

func TestRedacted(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", ""},
		{"short", "****"},
		{"abcdefghijkl", "abcd****"},
	}

	for _, tt := range tests {
		got := Credentials{Token: tt.token}.Redacted()
		if got != tt.want {
			t.Errorf("Redacted(%q) = %q, want %q", tt.token, got, tt.want)
		}
	}
}
