package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSessionFileRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if _, err := LoadSession(); err == nil {
		t.Fatalf("expected error without a saved session")
	}
	want := Session{AccessToken: "tok", RefreshToken: "ref", Email: "a@b.c", UserID: "u1", StockID: "s 1"}
	if err := SaveSession(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(home, ".tsim", "session.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("session file mode=%v", info.Mode().Perm())
	}
	got, err := LoadSession()
	if err != nil || got != want {
		t.Fatalf("load=%+v err=%v", got, err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("clear twice: %v", err)
	}
	if _, err := LoadSession(); err == nil {
		t.Fatalf("session survived clear")
	}
}

func TestSessionRouteEscapesID(t *testing.T) {
	cases := []struct {
		id, suffix, want string
	}{
		{"s1", "", "/v1/sessions/s1"},
		{"s1", "/phase", "/v1/sessions/s1/phase"},
		{"s 1/x", "/buy", "/v1/sessions/s%201%2Fx/buy"},
	}
	for _, tc := range cases {
		if got := sessionRoute(tc.id, tc.suffix); got != tc.want {
			t.Fatalf("sessionRoute(%q, %q)=%s, want %s", tc.id, tc.suffix, got, tc.want)
		}
	}
}
