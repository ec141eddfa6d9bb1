package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fault"
	"xdao.co/glyph/fingerprint"
	"xdao.co/glyph/keys"
)

// Lookup key prefixes.
const (
	byID          = "id:"
	byFingerprint = "fp:"
)

// Server exposes a crystal.Registry over the Registry gRPC service.
//
// Register admits a record only if its resonance reaches Threshold and its
// depth matches the depth its members have in Registry. A present seal must
// verify.
type Server struct {
	UnimplementedRegistryServer
	Registry crystal.Registry
	Log      *slog.Logger

	// Threshold is the minimum resonance. Zero disables the check.
	Threshold float64
	// MaxDepth bounds record depth; zero means crystal.DefaultMaxDepth.
	MaxDepth int
	// RequireSeal rejects unsealed records.
	RequireSeal bool
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Log
}

func (s *Server) Register(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.Registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing registry")
	}
	g, err := crystal.ParseRecord(in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.admit(ctx, g); err != nil {
		s.logger().Warn("register rejected", "id", g.ID.String(), "rule", fault.RuleID(err), "err", err)
		return nil, toStatus(err)
	}
	stored, created, err := s.Registry.Register(ctx, g)
	if err != nil {
		s.logger().Warn("register failed", "id", g.ID.String(), "err", err)
		return nil, toStatus(err)
	}
	rec, err := crystal.MarshalRecord(stored)
	if err != nil {
		return nil, toStatus(err)
	}
	if created {
		_ = grpc.SetHeader(ctx, metadata.Pairs(createdHeader, "true"))
		s.logger().Info("glyph registered", "id", stored.ID.String())
	}
	return wrapperspb.Bytes(rec), nil
}

func (s *Server) admit(ctx context.Context, g crystal.Glyph) error {
	if s.Threshold > 0 && g.Resonance < s.Threshold {
		return fault.New(fault.BelowThreshold, "GLYPH-RPC-002",
			fmt.Sprintf("resonance %v below threshold %v", g.Resonance, s.Threshold))
	}
	maxDepth := s.MaxDepth
	if maxDepth <= 0 {
		maxDepth = crystal.DefaultMaxDepth
	}
	depth, err := crystal.ExpectedDepth(ctx, s.Registry, g.Members, maxDepth)
	if err != nil {
		return err
	}
	if g.Depth != depth {
		return fault.New(fault.InvalidRecord, "GLYPH-RPC-003",
			fmt.Sprintf("record depth %d, members give %d", g.Depth, depth))
	}
	if g.Seal == "" {
		if s.RequireSeal {
			return fault.New(fault.InvalidRecord, "GLYPH-RPC-004", "record is not sealed")
		}
		return nil
	}
	payload, err := crystal.SigningPayload(g)
	if err != nil {
		return err
	}
	if err := keys.VerifySeal(payload, g.Seal); err != nil {
		return fault.Wrap(fault.InvalidRecord, "GLYPH-RPC-004", "seal does not verify", err)
	}
	return nil
}

func (s *Server) Lookup(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	g, err := s.lookup(ctx, in.GetValue())
	if err != nil {
		return nil, err
	}
	rec, err := crystal.MarshalRecord(g)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(rec), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	_, err := s.lookup(ctx, in.GetValue())
	if status.Code(err) == codes.NotFound {
		return wrapperspb.Bool(false), nil
	}
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(true), nil
}

func (s *Server) lookup(ctx context.Context, key string) (crystal.Glyph, error) {
	if s == nil || s.Registry == nil {
		return crystal.Glyph{}, status.Error(codes.FailedPrecondition, "missing registry")
	}
	var (
		g   crystal.Glyph
		err error
	)
	switch {
	case strings.HasPrefix(key, byID):
		id, derr := cid.Decode(strings.TrimPrefix(key, byID))
		if derr != nil || !id.Defined() {
			return crystal.Glyph{}, status.Error(codes.InvalidArgument, "invalid glyph id")
		}
		g, err = s.Registry.Lookup(ctx, id)
	case strings.HasPrefix(key, byFingerprint):
		fp, perr := fingerprint.ParseKey(strings.TrimPrefix(key, byFingerprint))
		if perr != nil {
			return crystal.Glyph{}, status.Error(codes.InvalidArgument, "invalid fingerprint key")
		}
		g, err = s.Registry.LookupFingerprint(ctx, fp)
	default:
		return crystal.Glyph{}, status.Errorf(codes.InvalidArgument, "lookup key must start with %q or %q", byID, byFingerprint)
	}
	if err != nil {
		return crystal.Glyph{}, toStatus(err)
	}
	return g, nil
}
