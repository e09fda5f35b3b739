package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/reconcile"
)

func run(t *testing.T, dataDir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--data-dir", dataDir}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const firstEntry = `subject_code: RxNorm 11111
dose: 5 mg
frequency: once daily
route: by mouth
interval_start: "2026-01-01"
interval_end: "2026-01-08"
provenance: doctor
`

const doseChange = `{"subject_code": "rxnorm 11111", "dose": "10 mg", "interval_start": "2026-01-01", "interval_end": "2026-01-08"}`

func TestCLI_Commands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"decide", "record", "history", "episodes", "asof", "retract", "config", "policy", "serve"}
	for _, name := range want {
		found := false
		for _, cmd := range root.Commands() {
			if cmd.Name() == name {
				found = true
			}
		}
		if !found {
			t.Errorf("%s command not found", name)
		}
	}
}

func TestCLI_RecordFlow(t *testing.T) {
	t.Setenv("MEDMEM_SEAL_KEY", "cli-test")
	dataDir := t.TempDir()
	files := t.TempDir()
	first := writeFile(t, files, "first.yaml", firstEntry)
	second := writeFile(t, files, "second.json", doseChange)

	out, err := run(t, dataDir, "--json", "record", "--user", "u1", first)
	if err != nil {
		t.Fatalf("record failed: %v", err)
	}
	var res reconcile.RecordResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if res.Decision.Kind != "APPEND" || res.Record.Version != 0 {
		t.Fatalf("expected APPEND at v0, got %s v%d", res.Decision.Kind, res.Record.Version)
	}
	key := res.Record.Key.String()

	out, err = run(t, dataDir, "record", "--user", "u1", second)
	if err != nil {
		t.Fatalf("second record failed: %v", err)
	}
	if !strings.Contains(out, "UPDATE") || !strings.Contains(out, "@ v1") {
		t.Errorf("expected UPDATE to v1, got:\n%s", out)
	}

	t.Run("Duplicate", func(t *testing.T) {
		out, err := run(t, dataDir, "record", "--user", "u1", second)
		if err != nil || !strings.Contains(out, "already recorded") {
			t.Errorf("expected duplicate, got %v:\n%s", err, out)
		}
	})

	t.Run("History", func(t *testing.T) {
		out, err := run(t, dataDir, "--json", "history", key)
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		var versions []ledger.FactRecord
		if err := json.Unmarshal([]byte(out), &versions); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(versions) != 2 || versions[1].Provenance != "doctor" {
			t.Errorf("expected 2 versions with surviving provenance, got %+v", versions)
		}
	})

	t.Run("Episodes", func(t *testing.T) {
		out, err := run(t, dataDir, "episodes", "--user", "u1", "RXNORM 11111")
		if err != nil || !strings.Contains(out, "u1/rxnorm 11111") || !strings.Contains(out, "v1") {
			t.Errorf("unexpected episodes output %v:\n%s", err, out)
		}
	})

	t.Run("AsOf", func(t *testing.T) {
		if _, err := run(t, dataDir, "asof", key, "--valid", "2026-01-04"); err != nil {
			t.Errorf("asof failed: %v", err)
		}
		if _, err := run(t, dataDir, "asof", key, "--valid", "2026-02-01"); err == nil {
			t.Error("expected not found outside the valid interval")
		}
		if _, err := run(t, dataDir, "asof", key); err == nil {
			t.Error("expected error without times")
		}
	})

	t.Run("Retract", func(t *testing.T) {
		if _, err := run(t, dataDir, "retract", key); err == nil {
			t.Error("expected error without reason")
		}
		out, err := run(t, dataDir, "retract", key, "--reason", "wrong patient")
		if err != nil || !strings.Contains(out, "wrong patient") {
			t.Errorf("unexpected retract output %v:\n%s", err, out)
		}
		out, _ = run(t, dataDir, "--json", "episodes", "--user", "u1", "--active", "rxnorm 11111")
		if strings.TrimSpace(out) != "[]" {
			t.Errorf("expected no active episodes, got %s", out)
		}
	})
}

func TestCLI_RecordErrors(t *testing.T) {
	dataDir := t.TempDir()
	path := writeFile(t, t.TempDir(), "bad.yaml", "subject_code: x\n")

	if _, err := run(t, dataDir, "record", path); err == nil {
		t.Error("expected error without --user")
	}
	if _, err := run(t, dataDir, "record", "--user", "u1", path); err == nil {
		t.Error("expected validation error for missing interval_start")
	}
	if _, err := run(t, dataDir, "record", "--user", "u1", filepath.Join(dataDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCLI_Decide(t *testing.T) {
	dir := t.TempDir()
	cur := writeFile(t, dir, "cur.yaml", firstEntry)
	next := writeFile(t, dir, "next.yaml", "subject_code: rxnorm 11111\ndose: 5 mg\nfrequency: qd\nroute: oral\ninterval_start: \"2026-01-09\"\n")

	out, err := run(t, t.TempDir(), "--json", "decide", "--current", cur, "--new", next, "--approximate", "--high-risk=false")
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	var resp reconcile.DecideResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if resp.Action != "MERGE" || resp.HighRisk {
		t.Errorf("expected low-risk MERGE, got %+v", resp)
	}

	out, err = run(t, t.TempDir(), "--json", "decide", "--current", cur, "--new", next, "--approximate", "--high-risk")
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil || resp.Action != "UPDATE" || !resp.HighRisk {
		t.Errorf("expected high-risk UPDATE, got %+v", resp)
	}

	if _, err := run(t, t.TempDir(), "decide", "--current", cur); err == nil {
		t.Error("expected error without --new")
	}
}

func TestCLI_Config(t *testing.T) {
	dataDir := t.TempDir()
	if _, err := run(t, dataDir, "config", "set", "reconcile.max_retries", "5"); err != nil {
		t.Fatalf("config set failed: %v", err)
	}
	out, err := run(t, dataDir, "config", "get", "reconcile.max_retries")
	if err != nil || strings.TrimSpace(out) != "5" {
		t.Errorf("expected 5, got %q %v", out, err)
	}
	out, _ = run(t, dataDir, "config", "get", "risk.plugin")
	if strings.TrimSpace(out) != "(not set)" {
		t.Errorf("expected unset value, got %q", out)
	}

	if _, err := run(t, dataDir, "config", "set", "reconcile.max_retries", "many"); err != nil {
		t.Fatal(err)
	}
	path := writeFile(t, t.TempDir(), "e.yaml", firstEntry)
	if _, err := run(t, dataDir, "record", "--user", "u1", path); err == nil {
		t.Error("expected error for invalid max_retries")
	}
}

func TestCLI_RiskCodes(t *testing.T) {
	dataDir := t.TempDir()
	dir := t.TempDir()
	codes := writeFile(t, dir, "codes.txt", "rxnorm 11111\n")
	if _, err := run(t, dataDir, "config", "set", "risk.codes", codes); err != nil {
		t.Fatal(err)
	}
	cur := writeFile(t, dir, "cur.yaml", firstEntry)
	out, err := run(t, dataDir, "--json", "decide", "--current", cur, "--new", cur)
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	var resp reconcile.DecideResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil || !resp.HighRisk {
		t.Errorf("expected classifier to mark high risk, got %+v", resp)
	}
}

func TestCLI_Policy(t *testing.T) {
	dataDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "policy.yaml")

	if _, err := run(t, dataDir, "policy", "init", path); err != nil {
		t.Fatalf("policy init failed: %v", err)
	}
	out, err := run(t, dataDir, "policy", "validate", path)
	if err != nil || !strings.Contains(out, "is valid (medication, symptom)") {
		t.Errorf("unexpected validate output %v:\n%s", err, out)
	}

	bad := writeFile(t, t.TempDir(), "bad.yaml", "ambiguity_margin: 0.9\n")
	if _, err := run(t, dataDir, "policy", "validate", bad); err == nil {
		t.Error("expected invalid policy")
	}

	if _, err := run(t, dataDir, "config", "set", "policy.path", path); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, dataDir, "policy", "show")
	if err != nil || !strings.Contains(out, "ambiguity_margin: 0.05") {
		t.Errorf("unexpected show output %v:\n%s", err, out)
	}
}
