package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ipfs/go-cid"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestUsage(t *testing.T) {
	if code, _, _ := runCLI(t); code != 2 {
		t.Fatalf("no args: code=%d want 2", code)
	}
	if code, _, errOut := runCLI(t, "nope"); code != 2 || !strings.Contains(errOut, "unknown command") {
		t.Fatalf("unknown: code=%d err=%q", code, errOut)
	}
	if code, out, _ := runCLI(t, "help"); code != 0 || !strings.Contains(out, "glyph crystallize") {
		t.Fatalf("help: code=%d out=%q", code, out)
	}
}

func TestFingerprintAndCompare(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "Hello   World\n")
	b := writeFile(t, dir, "b.txt", "Hello   World  ")
	c := writeFile(t, dir, "c.txt", "hello, world")

	code, out, errOut := runCLI(t, "fingerprint", a)
	if code != 0 {
		t.Fatalf("fingerprint: code=%d err=%s", code, errOut)
	}
	if !strings.HasPrefix(out, "exact:") {
		t.Fatalf("fingerprint output=%q", out)
	}

	code, out, _ = runCLI(t, "fingerprint", "--tier", "intent", "--chain", a)
	if code != 0 {
		t.Fatalf("fingerprint chain: code=%d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "intent:") || !strings.HasPrefix(lines[2], "exact:") {
		t.Fatalf("chain=%q", lines)
	}

	code, out, _ = runCLI(t, "compare", a, b)
	if code != 0 || strings.TrimSpace(out) != "structural-match" {
		t.Fatalf("compare: code=%d out=%q", code, out)
	}
	code, out, _ = runCLI(t, "compare", a, c)
	if code != 0 || strings.TrimSpace(out) != "intent-match" {
		t.Fatalf("compare a c: code=%d out=%q", code, out)
	}
	code, out, _ = runCLI(t, "compare", a, a)
	if code != 0 || strings.TrimSpace(out) != "identical" {
		t.Fatalf("compare self: code=%d out=%q", code, out)
	}

	if code, _, _ := runCLI(t, "fingerprint", "--tier", "bogus", a); code != 1 {
		t.Fatalf("bad tier: code=%d want 1", code)
	}
}

func TestMissingThreshold(t *testing.T) {
	t.Setenv("GLYPH_THRESHOLD", "")
	dir := t.TempDir()
	code, _, errOut := runCLI(t, "window", "--data-dir", dir, "--layer", "x")
	if code != 1 || !strings.Contains(errOut, "ThresholdMisconfigured") {
		t.Fatalf("code=%d err=%q", code, errOut)
	}
}

func TestInsertCrystallizeShowVerify(t *testing.T) {
	t.Setenv("GLYPH_THRESHOLD", "")
	tmp := t.TempDir()
	data := filepath.Join(tmp, "data")
	common := []string{"--data-dir", data, "--threshold", "0.5"}
	art := writeFile(t, tmp, "a.txt", "artifact")

	for _, layer := range []string{"audio", "text"} {
		args := append([]string{"insert"}, common...)
		args = append(args, "--layer", layer, "--weight", "1", art)
		if code, out, errOut := runCLI(t, args...); code != 0 || !strings.Contains(out, layer) {
			t.Fatalf("insert %s: code=%d out=%q err=%s", layer, code, out, errOut)
		}
	}

	args := append([]string{"window"}, common...)
	code, out, _ := runCLI(t, append(args, "--layer", "audio")...)
	if code != 0 || strings.Count(out, "audio") != 1 {
		t.Fatalf("window: code=%d out=%q", code, out)
	}

	args = append([]string{"project"}, common...)
	code, out, _ = runCLI(t, append(args, "--layer", "audio", "--steps", "2")...)
	if code != 0 || !strings.Contains(out, "(provisional)") {
		t.Fatalf("project: code=%d out=%q", code, out)
	}

	args = append([]string{"score"}, common...)
	code, out, _ = runCLI(t, append(args, "--point", "audio:0", "--point", "text:0")...)
	if code != 0 || strings.TrimSpace(out) != "1.000000" {
		t.Fatalf("score: code=%d out=%q", code, out)
	}

	args = append([]string{"crystallize"}, common...)
	code, out, errOut := runCLI(t, append(args, "--point", "audio:0", "--point", "text:0")...)
	if code != 0 {
		t.Fatalf("crystallize: code=%d err=%s", code, errOut)
	}
	id := strings.TrimSpace(out)
	if _, err := cid.Decode(id); err != nil {
		t.Fatalf("crystallize printed %q: %v", id, err)
	}

	args = append([]string{"crystallize"}, common...)
	code, out, _ = runCLI(t, append(args, "--point", "audio:0", "--point", "text:0")...)
	if code != 0 || strings.TrimSpace(out) != id {
		t.Fatalf("re-crystallize: code=%d out=%q want %s", code, out, id)
	}

	args = append([]string{"glyph", "show"}, common...)
	code, out, _ = runCLI(t, append(args, id)...)
	if code != 0 || !strings.HasPrefix(out, "GLYPH/1\n") || strings.HasSuffix(out, "\n") {
		t.Fatalf("show: code=%d out=%q", code, out)
	}

	args = append([]string{"glyph", "list"}, common...)
	code, out, _ = runCLI(t, args...)
	if code != 0 || !strings.Contains(out, id) {
		t.Fatalf("list: code=%d out=%q", code, out)
	}

	args = append([]string{"verify"}, common...)
	code, out, _ = runCLI(t, args...)
	if code != 0 || !strings.Contains(out, "OK   "+id) {
		t.Fatalf("verify: code=%d out=%q", code, out)
	}
	code, _, _ = runCLI(t, append(args, "--require-seal")...)
	if code != 1 {
		t.Fatalf("verify --require-seal on unsealed glyph: code=%d want 1", code)
	}

	bundlePath := filepath.Join(tmp, "glyphs.tar")
	args = append([]string{"export"}, common...)
	code, out, errOut = runCLI(t, append(args, "--out", bundlePath, "--index")...)
	if code != 0 || !strings.Contains(out, "exported 1 glyphs") {
		t.Fatalf("export: code=%d out=%q err=%s", code, out, errOut)
	}
	other := []string{"--data-dir", filepath.Join(tmp, "other"), "--threshold", "0.5"}
	args = append([]string{"import"}, other...)
	code, out, errOut = runCLI(t, append(args, bundlePath)...)
	if code != 0 || !strings.Contains(out, "imported 1 glyphs (0 already present)") {
		t.Fatalf("import: code=%d out=%q err=%s", code, out, errOut)
	}
	args = append([]string{"glyph", "show"}, other...)
	code, imported, _ := runCLI(t, append(args, id)...)
	args = append([]string{"glyph", "show"}, common...)
	_, original, _ := runCLI(t, append(args, id)...)
	if code != 0 || imported != original {
		t.Fatalf("imported record differs:\n%s\n---\n%s", imported, original)
	}
}

func TestCrystallizeBelowThreshold(t *testing.T) {
	t.Setenv("GLYPH_THRESHOLD", "")
	tmp := t.TempDir()
	data := filepath.Join(tmp, "data")
	common := []string{"--data-dir", data, "--threshold", "0.9"}
	art := writeFile(t, tmp, "a.txt", "artifact")

	for _, in := range []struct{ layer, weight string }{{"a", "1"}, {"b", "0"}} {
		args := append([]string{"insert"}, common...)
		if code, _, errOut := runCLI(t, append(args, "--layer", in.layer, "--weight", in.weight, art)...); code != 0 {
			t.Fatalf("insert: %s", errOut)
		}
	}
	args := append([]string{"crystallize"}, common...)
	code, _, errOut := runCLI(t, append(args, "--point", "a:0", "--point", "b:0")...)
	if code != 3 || !strings.Contains(errOut, "not crystallized") {
		t.Fatalf("code=%d err=%q", code, errOut)
	}
}

func TestSealedGlyphVerifies(t *testing.T) {
	t.Setenv("GLYPH_THRESHOLD", "")
	tmp := t.TempDir()
	seed := filepath.Join(tmp, "seal.seed")
	if code, _, errOut := runCLI(t, "seed", "init", "--out", seed); code != 0 {
		t.Fatalf("seed init: %s", errOut)
	}
	if code, _, _ := runCLI(t, "seed", "init", "--out", seed); code != 1 {
		t.Fatalf("seed init must not overwrite: code=%d", code)
	}

	cfg := writeFile(t, tmp, "glyph.yaml", "data_dir: "+filepath.Join(tmp, "data")+"\n"+
		"crystal:\n  threshold: 0.5\n"+
		"seal:\n  algorithm: ed25519\n  hash: sha256\n  seed_file: "+seed+"\n")
	art := writeFile(t, tmp, "a.txt", "artifact")
	for _, layer := range []string{"x", "y"} {
		if code, _, errOut := runCLI(t, "insert", "--config", cfg, "--layer", layer, art); code != 0 {
			t.Fatalf("insert: %s", errOut)
		}
	}
	code, out, errOut := runCLI(t, "crystallize", "--config", cfg, "--point", "x:0", "--point", "y:0")
	if code != 0 {
		t.Fatalf("crystallize: %s", errOut)
	}
	id := strings.TrimSpace(out)

	code, out, _ = runCLI(t, "glyph", "show", "--config", cfg, id)
	if code != 0 || !strings.Contains(out, "\nseal: ed25519 sha256 ") {
		t.Fatalf("show: code=%d out=%q", code, out)
	}
	code, out, _ = runCLI(t, "verify", "--config", cfg, "--require-seal", id)
	if code != 0 {
		t.Fatalf("verify: code=%d out=%q", code, out)
	}
}
