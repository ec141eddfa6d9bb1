// Package ipfs mirrors glyph records into a local Kubo repository.
package ipfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"xdao.co/glyph/cidutil"
	"xdao.co/glyph/storage"
	"xdao.co/glyph/storage/casregistry"
)

// CAS is a content-addressable store backed by the local Kubo "ipfs" CLI.
//
// It operates on the local repo without a daemon and validates bytes against
// the requested CID. Records are stored as raw blocks, so a record CID is also
// its IPFS block CID.
type CAS struct {
	opts Options
}

var _ storage.CAS = (*CAS)(nil)

// DefaultTimeout bounds a single ipfs invocation when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

type Options struct {
	// Bin is the path to the ipfs binary. If empty, "ipfs" is used.
	Bin string
	// Env optionally overrides the command environment (e.g. to set IPFS_PATH).
	// If nil, the process environment is used.
	Env []string
	// Timeout bounds each ipfs invocation.
	Timeout time.Duration
	// Pin pins every block written so repo GC keeps it.
	Pin bool
}

func New(opts Options) *CAS {
	if opts.Bin == "" {
		opts.Bin = "ipfs"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &CAS{opts: opts}
}

func init() {
	casregistry.MustRegister(casregistry.Backend{
		Name:        "ipfs",
		Description: "pinned raw blocks in a local Kubo repository (ipfs:[<IPFS_PATH>]; GLYPH_IPFS_BIN selects the binary)",
		Open: func(repo string) (storage.CAS, func() error, error) {
			opts := Options{Bin: os.Getenv("GLYPH_IPFS_BIN"), Pin: true}
			if repo != "" {
				opts.Env = append(os.Environ(), "IPFS_PATH="+repo)
			}
			return New(opts), nil, nil
		},
	})
}

// CommandError is a failed ipfs invocation.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ipfs %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("ipfs %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

func (c *CAS) Put(data []byte) (cid.Cid, error) {
	id, err := cidutil.CIDv1RawSHA256CID(data)
	if err != nil {
		return cid.Undef, err
	}
	if c.Has(id) {
		return id, nil
	}

	out, err := c.run(data,
		"block", "put",
		"--quiet",
		"--cid-codec=raw",
		"--mhtype=sha2-256",
		"--mhlen=32",
		"--pin="+strconv.FormatBool(c.opts.Pin),
		"/dev/stdin",
	)
	if err != nil {
		return cid.Undef, err
	}

	got, err := cid.Decode(strings.TrimSpace(string(out)))
	if err != nil {
		return cid.Undef, fmt.Errorf("ipfs: unexpected block put output %q: %w", out, err)
	}
	if !got.Equals(id) {
		return cid.Undef, storage.ErrCIDMismatch
	}
	return id, nil
}

func (c *CAS) Get(id cid.Cid) ([]byte, error) {
	if !id.Defined() {
		return nil, storage.ErrInvalidCID
	}

	out, err := c.run(nil, "block", "get", "--offline", id.String())
	if err != nil {
		if notFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	got, err := cidutil.CIDv1RawSHA256CID(out)
	if err != nil {
		return nil, err
	}
	if !got.Equals(id) {
		return nil, storage.ErrCIDMismatch
	}
	return out, nil
}

func (c *CAS) Has(id cid.Cid) bool {
	if !id.Defined() {
		return false
	}
	_, err := c.run(nil, "block", "stat", "--offline", id.String())
	return err == nil
}

func (c *CAS) run(stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.opts.Bin, args...)
	cmd.WaitDelay = time.Second
	if c.opts.Env != nil {
		cmd.Env = c.opts.Env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &CommandError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return out, nil
}

func notFound(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	msg := strings.ToLower(ce.Stderr)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "could not find")
}
