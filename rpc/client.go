package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
)

// Client implements crystal.Registry over the Registry gRPC service.
type Client struct {
	cc     *grpc.ClientConn
	client RegistryClient

	// Timeout applies per RPC when non-zero.
	Timeout time.Duration
}

var _ crystal.Registry = (*Client)(nil)

type DialOptions struct {
	// Timeout applies per RPC when non-zero.
	Timeout time.Duration

	// MaxMsgBytes sets both send/recv max sizes when non-zero.
	MaxMsgBytes int

	// Extra options, e.g. a context dialer for tests.
	GRPCOptions []grpc.DialOption
}

func Dial(target string, opts DialOptions) (*Client, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if opts.MaxMsgBytes > 0 {
		dialOpts = append(dialOpts,
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(opts.MaxMsgBytes),
				grpc.MaxCallSendMsgSize(opts.MaxMsgBytes),
			),
		)
	}
	dialOpts = append(dialOpts, opts.GRPCOptions...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: cc, client: NewRegistryClient(cc), Timeout: opts.Timeout}, nil
}

func (c *Client) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

func (c *Client) Register(ctx context.Context, g crystal.Glyph) (crystal.Glyph, bool, error) {
	rec, err := crystal.MarshalRecord(g)
	if err != nil {
		return crystal.Glyph{}, false, err
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()

	var header metadata.MD
	reply, err := c.client.Register(ctx, wrapperspb.Bytes(rec), grpc.Header(&header))
	if err != nil {
		return crystal.Glyph{}, false, fromStatus(err)
	}
	stored, err := c.decode(reply.GetValue(), g.ID)
	if err != nil {
		return crystal.Glyph{}, false, err
	}
	created := len(header.Get(createdHeader)) > 0 && header.Get(createdHeader)[0] == "true"
	return stored, created, nil
}

func (c *Client) Lookup(ctx context.Context, id cid.Cid) (crystal.Glyph, error) {
	if !id.Defined() {
		return crystal.Glyph{}, crystal.ErrNotFound
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Lookup(ctx, wrapperspb.String(byID+id.String()))
	if err != nil {
		return crystal.Glyph{}, fromStatus(err)
	}
	return c.decode(reply.GetValue(), id)
}

func (c *Client) LookupFingerprint(ctx context.Context, fp fingerprint.Fingerprint) (crystal.Glyph, error) {
	if fp.IsZero() {
		return crystal.Glyph{}, crystal.ErrNotFound
	}
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Lookup(ctx, wrapperspb.String(byFingerprint+fp.Key()))
	if err != nil {
		return crystal.Glyph{}, fromStatus(err)
	}
	g, err := c.decode(reply.GetValue(), cid.Undef)
	if err != nil {
		return crystal.Glyph{}, err
	}
	if !g.Fingerprint.Equal(fp) {
		return crystal.Glyph{}, fault.New(fault.InvalidRecord, "GLYPH-RPC-002", "registry returned a glyph with a different fingerprint")
	}
	return g, nil
}

// Has reports whether the remote registry holds id.
func (c *Client) Has(ctx context.Context, id cid.Cid) (bool, error) {
	ctx, cancel := c.ctx(ctx)
	defer cancel()
	reply, err := c.client.Has(ctx, wrapperspb.String(byID+id.String()))
	if err != nil {
		return false, fromStatus(err)
	}
	return reply.GetValue(), nil
}

// decode parses a returned record and, when want is defined, checks its id.
func (c *Client) decode(rec []byte, want cid.Cid) (crystal.Glyph, error) {
	g, err := crystal.ParseRecord(rec)
	if err != nil {
		return crystal.Glyph{}, fmt.Errorf("registry reply: %w", err)
	}
	if want.Defined() && !g.ID.Equals(want) {
		return crystal.Glyph{}, fault.New(fault.InvalidRecord, "GLYPH-RPC-003", fmt.Sprintf("registry returned glyph %s, want %s", g.ID, want))
	}
	return g, nil
}

func (c *Client) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.Timeout)
}
