package rpc

import (
	"errors"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"xdao.co/glyph/crystal"
	"xdao.co/glyph/fault"
)

// createdHeader is set to "true" on Register responses that stored a new
// glyph.
const createdHeader = "x-glyph-created"

// errorDomain tags ErrorInfo details carrying a fault kind and rule id.
const errorDomain = "glyph.xdao.co"

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, crystal.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	kind := fault.KindOf(err)
	code := codes.Internal
	switch kind {
	case fault.InvalidRecord:
		code = codes.InvalidArgument
	case fault.BelowThreshold:
		code = codes.FailedPrecondition
	case fault.RecursionLimit:
		code = codes.OutOfRange
	}
	st := status.New(code, err.Error())
	if kind != "" {
		info := &errdetails.ErrorInfo{
			Reason:   string(kind),
			Domain:   errorDomain,
			Metadata: map[string]string{"rule": fault.RuleID(err)},
		}
		if withInfo, derr := st.WithDetails(info); derr == nil {
			st = withInfo
		}
	}
	return st.Err()
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.NotFound {
		return crystal.ErrNotFound
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == errorDomain && info.GetReason() != "" {
			return fault.Wrap(fault.Kind(info.GetReason()), info.GetMetadata()["rule"], "registry rejected glyph", err)
		}
	}
	if st.Code() == codes.InvalidArgument {
		return fault.Wrap(fault.InvalidRecord, "GLYPH-RPC-001", "registry rejected glyph", err)
	}
	return err
}
