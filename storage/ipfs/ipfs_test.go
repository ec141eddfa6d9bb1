package ipfs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"xdao.co/glyph/cidutil"
	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/casregistry"
	"xdao.co/glyph/storage/testkit"
)

func TestCAS_Conformance(t *testing.T) {
	bin, err := exec.LookPath("ipfs")
	if err != nil {
		t.Skip("ipfs binary not on PATH")
	}
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		repo := filepath.Join(t.TempDir(), "ipfs")
		env := append(os.Environ(), "IPFS_PATH="+repo)
		cmd := exec.Command(bin, "init", "--profile=test")
		cmd.Env = env
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("ipfs init: %v\n%s", err, out)
		}
		return New(Options{Bin: bin, Env: env})
	})
}

func TestCAS_MissingBinary(t *testing.T) {
	c := New(Options{Bin: filepath.Join(t.TempDir(), "no-such-ipfs")})
	if _, err := c.Put([]byte("x")); err == nil {
		t.Fatalf("expected Put error")
	}
	id, err := cidutil.CIDv1RawSHA256CID([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Has(id) {
		t.Fatalf("Has must be false when the binary is missing")
	}
}

func TestRegisteredBackend(t *testing.T) {
	cas, _, err := casregistry.Open("ipfs:/tmp/repo")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := cas.(*CAS); !ok {
		t.Fatalf("got %T want *ipfs.CAS", cas)
	}
}

// fakeIPFS writes a shell script standing in for the ipfs binary.
func fakeIPFS(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts unsupported")
	}
	p := filepath.Join(t.TempDir(), "ipfs")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCAS_GetNotFound(t *testing.T) {
	bin := fakeIPFS(t, `echo "Error: block was not found locally (offline)" >&2; exit 1`)
	c := New(Options{Bin: bin})
	id, err := cidutil.CIDv1RawSHA256CID([]byte("missing"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get: got %v want ErrNotFound", err)
	}
}

func TestCAS_CommandError(t *testing.T) {
	bin := fakeIPFS(t, `echo "Error: repo locked" >&2; exit 1`)
	c := New(Options{Bin: bin})
	id, err := cidutil.CIDv1RawSHA256CID([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.Get(id)
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Stderr != "Error: repo locked" {
		t.Fatalf("Get: got %v want CommandError with stderr", err)
	}
	if errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("a locked repo is not a missing block")
	}
}

func TestCAS_PutRejectsWrongCID(t *testing.T) {
	other, err := cidutil.CIDv1RawSHA256CID([]byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	// block stat fails so Put proceeds; block put reports a different CID.
	bin := fakeIPFS(t, `if [ "$2" = "stat" ]; then exit 1; fi; cat >/dev/null; echo `+other.String())
	c := New(Options{Bin: bin})
	if _, err := c.Put([]byte("x")); !errors.Is(err, storage.ErrCIDMismatch) {
		t.Fatalf("Put: got %v want ErrCIDMismatch", err)
	}
}

func TestCAS_Timeout(t *testing.T) {
	bin := fakeIPFS(t, `exec sleep 5`)
	c := New(Options{Bin: bin, Timeout: 50 * time.Millisecond})
	id, err := cidutil.CIDv1RawSHA256CID([]byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get: got %v want DeadlineExceeded", err)
	}
}
