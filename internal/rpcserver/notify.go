package rpcserver

import (
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/valknarthing/universal-mcp/internal/jsonrpc"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
)

// inflightQuery routes one in-flight query's MCP progress notifications back
// to the client connection and outer-envelope request id that issued it
// (spec.md §6.2: "tags each notification with the originating server name
// and the client's outer-envelope request_id").
type inflightQuery struct {
	writeCh     chan []byte
	clientReqID uint64
}

// withProgressToken returns params with a "_meta.progressToken" field set to
// token, the standard MCP convention for correlating progress notifications
// to the request that started the work — added here rather than trusting
// the caller to set it, since the coordinator is the one that needs the
// correlation, not the client.
func withProgressToken(params json.RawMessage, token string) (json.RawMessage, error) {
	var obj map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			// Not a JSON object (e.g. an array or scalar): leave it untouched
			// rather than corrupt the caller's params shape.
			return params, nil
		}
	}
	if obj == nil {
		obj = map[string]any{}
	}
	obj["_meta"] = map[string]any{"progressToken": token}
	return json.Marshal(obj)
}

// registerInflight installs a routing target for token, so a later progress
// notification referencing it reaches the right connection.
func (s *Server) registerInflight(token string, writeCh chan []byte, clientReqID uint64) {
	s.notifyMu.Lock()
	s.notifyTab[token] = &inflightQuery{writeCh: writeCh, clientReqID: clientReqID}
	s.notifyMu.Unlock()
}

func (s *Server) unregisterInflight(token string) {
	s.notifyMu.Lock()
	delete(s.notifyTab, token)
	s.notifyMu.Unlock()
}

// newProgressToken mints a globally unique token so two sessions reusing the
// same client-assigned request id never collide on the same server.
func newProgressToken() string { return uuid.NewString() }

// handleNotification routes one inbound MCP notification. Progress
// notifications carrying a recognized token are forwarded to the owning
// connection; everything else (log, error, or an unrecognized/expired
// token) is logged rather than dropped silently, since spec.md never
// requires delivering those beyond the query they're tied to.
func (s *Server) handleNotification(serverName string, n mcpadapter.Notification) {
	if n.Kind != mcpadapter.NotifyProgress {
		log.Printf("[RPC] %s: %s notification not forwarded", serverName, n.Method)
		return
	}
	var meta struct {
		ProgressToken string `json:"progressToken"`
	}
	if err := json.Unmarshal(n.Params, &meta); err != nil || meta.ProgressToken == "" {
		log.Printf("[RPC] %s: progress notification without a token not forwarded", serverName)
		return
	}

	s.notifyMu.Lock()
	target, ok := s.notifyTab[meta.ProgressToken]
	s.notifyMu.Unlock()
	if !ok {
		log.Printf("[RPC] %s: progress notification for unknown or expired token %q not forwarded", serverName, meta.ProgressToken)
		return
	}

	note := jsonrpc.Notification{
		Method:    n.Method,
		Server:    serverName,
		RequestID: &target.clientReqID,
		Params:    n.Params,
	}
	s.send(target.writeCh, mustMarshal(note))
}
