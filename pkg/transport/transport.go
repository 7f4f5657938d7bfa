// Package transport implements C1, the uniform adapter over the three
// outbound wire shapes a ServerSpec can name: stdio, streamable-HTTP, SSE.
package transport

import (
	"context"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/spec"
)

// Adapter is the uniform handle C2 drives: connect, exchange the SDK
// ClientSession, and close. The actual send/recv framing is delegated to
// the go-sdk's own transport once Connect succeeds, matching §4.1's
// "opaque handle" contract in §3's OutboundClient.transport field.
type Adapter interface {
	// Connect performs a cancellable connect and returns the SDK session.
	// A connect that observes an OAuth challenge returns an error wrapping
	// *spec.Error with Kind == spec.ErrAuthRequired, carrying the
	// authorization URL in its Message.
	Connect(ctx context.Context, client *gomcp.Client) (*gomcp.ClientSession, error)
	Close() error
}

// NewAdapter builds the concrete Adapter for a ServerSpec's variant.
func NewAdapter(s *spec.ServerSpec) (Adapter, error) {
	switch s.Kind {
	case spec.KindStdio:
		return newStdioAdapter(s)
	case spec.KindHTTPLike:
		return newHTTPLikeAdapter(s)
	default:
		return nil, spec.NewError(spec.ErrValidation, "unknown server spec kind", nil)
	}
}
