package rpchealth

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrRPC can be wrapped by clients to flag a failure as endpoint related.
var ErrRPC = errors.New("rpc failure")

var rpcHints = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"timeout",
	"eof",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"header not found",
	"unknown block",
}

// Failures that come back over a perfectly healthy endpoint.
var applicationHints = []string{
	"execution reverted",
	"nonce too low",
	"insufficient funds",
	"replacement transaction underpriced",
	"already known",
}

// IsRPCError reports whether err looks like a transport or node failure, as
// opposed to a rejected transaction or a bug in the caller.
func IsRPCError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range applicationHints {
		if strings.Contains(msg, hint) {
			return false
		}
	}

	if errors.Is(err, ErrRPC) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return true
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}

	for _, hint := range rpcHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
