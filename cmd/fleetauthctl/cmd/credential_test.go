package cmd

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// runCommand executes the shared root command with args and returns
// captured stdout. Cannot run in parallel.
func runCommand(t *testing.T, args ...string) string {
	t.Helper()

	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w

	rootCmd.SetArgs(args)
	execErr := rootCmd.Execute()

	w.Close()
	os.Stdout = old
	out, _ := io.ReadAll(r)

	if execErr != nil {
		t.Fatalf("command %v failed: %v", args, execErr)
	}
	return string(out)
}

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "fleetauth.db")
}

func TestCredentialCreateAndList(t *testing.T) {
	t.Log("Creating a credential and verifying it appears in the list")
	db := testDB(t)

	out := runCommand(t, "--db", db, "-o", "json", "credential", "create", "rack-12", "--uses", "5")

	var created struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Token string `json:"token"`
		Uses  int    `json:"uses"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("failed to parse create output: %v\n%s", err, out)
	}
	if created.Label != "rack-12" || created.Uses != 5 {
		t.Errorf("unexpected credential: %+v", created)
	}
	if created.Token == "" {
		t.Error("expected raw token in create output")
	}

	out = runCommand(t, "--db", db, "-o", "json", "credential", "list")
	if !strings.Contains(out, created.ID) {
		t.Errorf("expected list to contain %s, got: %s", created.ID, out)
	}
	// The raw token must never reappear after creation.
	if strings.Contains(out, created.Token) {
		t.Error("raw token leaked into credential list output")
	}
}

func TestCredentialCreateRejectsZeroUses(t *testing.T) {
	db := testDB(t)

	rootCmd.SetArgs([]string{"--db", db, "credential", "create", "bad", "--uses", "0"})
	if err := rootCmd.Execute(); err == nil {
		t.Error("expected error for --uses 0")
	}
}

func TestCredentialDisable(t *testing.T) {
	db := testDB(t)

	out := runCommand(t, "--db", db, "-o", "json", "credential", "create", "temp", "--uses", "1")
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("failed to parse create output: %v", err)
	}

	out = runCommand(t, "--db", db, "credential", "disable", created.ID)
	if !strings.Contains(out, "Disabled") {
		t.Errorf("unexpected disable output: %s", out)
	}

	out = runCommand(t, "--db", db, "-o", "json", "credential", "list")
	if !strings.Contains(out, `"Disabled": true`) && !strings.Contains(out, `"Disabled":true`) {
		t.Errorf("expected credential to be disabled in list, got: %s", out)
	}
}

func TestDeviceListEmpty(t *testing.T) {
	db := testDB(t)

	out := runCommand(t, "--db", db, "-o", "json", "device", "list")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected empty array, got: %s", out)
	}
}

func TestAuditListEmpty(t *testing.T) {
	db := testDB(t)

	out := runCommand(t, "--db", db, "-o", "json", "audit", "list")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("expected empty array, got: %s", out)
	}
}
