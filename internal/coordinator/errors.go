// Package coordinator maps the error taxonomy of spec.md §7 onto the stable
// wire codes of spec.md §6.1. It is the one place that looks inside the
// concrete error types other packages return (mcpadapter.StartupTimeoutError,
// session.AuthorizationError, pool.ResourceError, ...) and turns them into a
// *jsonrpc.Error — mirroring the way the teacher's ToolResult kept
// infrastructure errors separate from the message shown to a caller.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/pool"
	"github.com/valknarthing/universal-mcp/internal/session"
)

// ConfigurationError reports a malformed ServerSpec or a server name absent
// from the loaded table (spec.md §7.1). Fatal at startup when it is the
// daemon's own config; non-fatal (rejected at connect/query) when a client
// names an unknown server.
type ConfigurationError struct {
	Server string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("coordinator: configuration error for %q: %s", e.Server, e.Reason)
}

// ServerError wraps a JSON-RPC error returned verbatim by an MCP server
// (spec.md §7.7) — forwarded to the client with its original code/message
// plus the originating server name, and never cached.
type ServerError struct {
	Server string
	Code   int32
	Msg    string
}

func (e *ServerError) Error() string { return fmt.Sprintf("%s: %s", e.Server, e.Msg) }

// ToWireError maps any error from the coordinator's internal layers to the
// stable numeric code of spec.md §6.1. Unrecognized errors fall back to the
// generic "unknown server"-adjacent internal error code paired with the
// error's own message, so a caller always receives a code it can branch on.
func ToWireError(server string, err error) *jsonrpc.Error {
	if err == nil {
		return nil
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Server == "" && server != "" {
			tagged := *rpcErr
			tagged.Server = server
			return &tagged
		}
		return rpcErr
	}

	var startup *mcpadapter.StartupTimeoutError
	if errors.As(err, &startup) {
		return jsonrpc.NewError(jsonrpc.CodeStartupTimeout, err.Error())
	}

	var authErr *session.AuthorizationError
	if errors.As(err, &authErr) {
		return jsonrpc.NewError(jsonrpc.CodeUnauthorized, err.Error())
	}

	var resErr *pool.ResourceError
	if errors.As(err, &resErr) {
		return &jsonrpc.Error{Code: jsonrpc.CodeServerSpawnFailed, Message: err.Error(), Server: server}
	}

	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return jsonrpc.NewError(jsonrpc.CodeUnknownServer, err.Error())
	}

	var svrErr *ServerError
	if errors.As(err, &svrErr) {
		return &jsonrpc.Error{Code: svrErr.Code, Message: svrErr.Msg, Server: svrErr.Server}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &jsonrpc.Error{Code: jsonrpc.CodeRequestTimeout, Message: "request timeout", Server: server}
	}
	if errors.Is(err, context.Canceled) {
		return &jsonrpc.Error{Code: jsonrpc.CodeCancelled, Message: "request cancelled", Server: server}
	}

	return &jsonrpc.Error{Code: jsonrpc.CodeServerSpawnFailed, Message: err.Error(), Server: server}
}

// KindOf names an error for metrics' errors_by_kind label, mirroring the
// wire-code taxonomy without re-deriving it at every call site.
func KindOf(wireErr *jsonrpc.Error) string {
	switch wireErr.Code {
	case jsonrpc.CodeParseError:
		return "parse_error"
	case jsonrpc.CodeInvalidEnvelope:
		return "invalid_envelope"
	case jsonrpc.CodeUnknownMethod:
		return "unknown_method"
	case jsonrpc.CodeInvalidParams:
		return "invalid_params"
	case jsonrpc.CodeUnknownServer:
		return "unknown_server"
	case jsonrpc.CodeServerSpawnFailed:
		return "server_spawn_failed"
	case jsonrpc.CodeStartupTimeout:
		return "startup_timeout"
	case jsonrpc.CodeServerGone:
		return "server_gone"
	case jsonrpc.CodeRequestTimeout:
		return "request_timeout"
	case jsonrpc.CodeCancelled:
		return "cancelled"
	case jsonrpc.CodeUnauthorized:
		return "unauthorized"
	case jsonrpc.CodeSlowConsumer:
		return "slow_consumer"
	default:
		return "server_error"
	}
}
