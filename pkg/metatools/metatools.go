// Package metatools implements C6, the Lazy Meta-Tool Layer: when lazy
// loading is enabled a session's tools/list is replaced by exactly the
// three meta-tools below (plus 1mcp_-prefixed internal tools), and
// tool_schema/tool_invoke service the real dispatch through C4/C2 (§4.6).
//
// The handler shape (parse req.Params.Arguments via json.Marshal then
// json.Unmarshal into a typed params struct, answer with a single
// mcp.TextContent whose body is the documented JSON shape) is grounded on
// createMcpFindTool / withToolTelemetry in the teacher's
// pkg/gateway/dynamic_mcps.go.
package metatools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nullrunner/mcpmux/pkg/capcache"
	"github.com/nullrunner/mcpmux/pkg/outbound"
	"github.com/nullrunner/mcpmux/pkg/router"
	"github.com/nullrunner/mcpmux/pkg/spec"
	"github.com/nullrunner/mcpmux/pkg/telemetry"
	"github.com/nullrunner/mcpmux/pkg/template"
)

// InternalToolPrefix is the §4.6 namespace for internal tools exposed
// alongside the three lazy meta-tools.
const InternalToolPrefix = "1mcp_"

// Layer wires the three meta-tools (and the supplemented 1mcp_find
// discovery tool) against a Router and a Capability Cache.
type Layer struct {
	router    *router.Router
	cache     *capcache.Cache
	templates *template.Pool
}

// New builds a Layer.
func New(r *router.Router, cache *capcache.Cache, templates *template.Pool) *Layer {
	return &Layer{router: r, cache: cache, templates: templates}
}

// resolveTemplateClient binds name against sess's context the first time
// this session touches it, mirrored from pkg/gateway/templates.go (the two
// packages share no common base to hang it from without introducing an
// import cycle between router and template). The bool return reports
// whether name is declared as a template at all, independent of whether
// the session's filter admits it - callers use that to distinguish
// "unknown server" from "filtered out" the same way dispatch.go does.
func (l *Layer) resolveTemplateClient(ctx context.Context, sess *router.Session, name string) (client *outbound.Client, isTemplate bool, err error) {
	if l.templates == nil || !l.templates.Has(name) {
		return nil, false, nil
	}
	if !l.router.AdmitsTags(sess, l.templates.Tags(name)) {
		return nil, true, nil
	}
	if hash, ok := sess.TemplateHash(name); ok {
		if c, ok := l.templates.Peek(name, hash); ok {
			return c, true, nil
		}
	}
	c, hash, err := l.templates.Bind(ctx, name, renderContext(sess))
	if err != nil {
		return nil, true, err
	}
	sess.SetTemplateHash(name, hash)
	return c, true, nil
}

// renderContext widens a session's string-valued context into the
// map[string]any text/template.Execute expects (pkg/template.Pool.Bind),
// mirrored from pkg/gateway/templates.go for the same reason the rest of
// this file's template helpers are mirrored there.
func renderContext(sess *router.Session) map[string]any {
	out := make(map[string]any, len(sess.Context))
	for k, v := range sess.Context {
		out[k] = v
	}
	return out
}

// namedClient pairs a template server's clean base name with its bound
// instance, mirrored from pkg/gateway/dispatch.go so ordering survives the
// same way through this package's list/search tools (§4.5).
type namedClient struct {
	Name   string
	Client *outbound.Client
}

// admittedTemplateClients binds every template server a session's filter
// admits, for the list/search tools that need every admitted server's
// capabilities rather than one named lookup.
func (l *Layer) admittedTemplateClients(ctx context.Context, sess *router.Session) []namedClient {
	if l.templates == nil {
		return nil
	}
	var out []namedClient
	for _, name := range l.templates.Names() {
		c, _, err := l.resolveTemplateClient(ctx, sess, name)
		if err != nil || c == nil {
			continue
		}
		out = append(out, namedClient{Name: name, Client: c})
	}
	return out
}

// structured error shapes (§4.6: "{error:{type:..., ...}}").
type errPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func newErrPayload(kind spec.ErrKind, message string) errPayload {
	var p errPayload
	p.Error.Type = errTypeFor(kind)
	p.Error.Message = message
	return p
}

func errTypeFor(kind spec.ErrKind) string {
	switch kind {
	case spec.ErrNotFound:
		return "not_found"
	case spec.ErrNotPermitted:
		return "not_permitted"
	case spec.ErrValidation:
		return "validation"
	case spec.ErrTimeout:
		return "timeout"
	default:
		return "upstream"
	}
}

func textResult(v any) *gomcp.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(`{"error":{"type":"upstream","message":"failed to marshal response"}}`)
	}
	return &gomcp.CallToolResult{
		Content:           []gomcp.Content{&gomcp.TextContent{Text: string(body)}},
		StructuredContent: v,
	}
}

func sessionFromContext(ctx context.Context, r *router.Router, req *gomcp.CallToolRequest) (*router.Session, error) {
	sessionID := ""
	if req.Session != nil {
		sessionID = req.Session.ID()
	}
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, spec.NewError(spec.ErrNotReady, "session not registered with router", nil)
	}
	return s, nil
}

// Tools returns the gomcp.Tool declarations plus handlers for the three
// lazy meta-tools and the internal discovery tool, ready for registration
// on the inbound mcp.Server (§4.6).
func (l *Layer) Tools() []ToolRegistration {
	return []ToolRegistration{
		l.toolListTool(),
		l.toolSchemaTool(),
		l.toolInvokeTool(),
		l.findTool(),
	}
}

// ToolRegistration mirrors the teacher's own registration shape
// (pkg/gateway/capabilitites.go ToolRegistration) so the gateway wiring
// layer can register these the same way it registers fleet-derived tools.
type ToolRegistration struct {
	Name    string
	Tool    *gomcp.Tool
	Handler gomcp.ToolHandler
}

func (l *Layer) toolListTool() ToolRegistration {
	tool := &gomcp.Tool{
		Name:        "tool_list",
		Description: "List the servers and tools currently admitted by this session's filter.",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}
	handler := withToolTelemetry("tool_list", func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		sess, err := sessionFromContext(ctx, l.router, req)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}

		entries := l.router.UnionTools(sess)
		servers := make(map[string]struct{})
		type toolOut struct {
			Server      string `json:"server"`
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
		}
		byServerTool := make(map[string]*gomcp.Tool)
		for _, c := range l.router.AdmittedClients(sess) {
			for _, t := range c.Capabilities().Tools {
				byServerTool[c.Name()+"\x00"+t.Name] = t
			}
		}

		// template servers carry no fleet client, so they never show up
		// in the fleet-only router.UnionTools above; a template server
		// must still surface by its clean base name (§4.8 conflict rule,
		// §4.6 example output).
		tmplClients := l.admittedTemplateClients(ctx, sess)
		tmplCounts := make(map[string]int)
		for _, nc := range tmplClients {
			for _, t := range nc.Client.Capabilities().Tools {
				tmplCounts[t.Name]++
			}
		}

		var serverOrder []string
		tools := make([]toolOut, 0, len(entries)+len(tmplClients))
		for _, e := range entries {
			if _, ok := servers[e.Server]; !ok {
				serverOrder = append(serverOrder, e.Server)
			}
			servers[e.Server] = struct{}{}
			_, orig := router.ResolveServerAndItem(e.Server, e.Name)
			desc := ""
			if t, ok := byServerTool[e.Server+"\x00"+orig]; ok {
				desc = t.Description
			}
			tools = append(tools, toolOut{Server: e.Server, Name: e.Name, Description: desc})
		}
		for _, nc := range tmplClients {
			if _, ok := servers[nc.Name]; !ok {
				serverOrder = append(serverOrder, nc.Name)
			}
			servers[nc.Name] = struct{}{}
			for _, t := range nc.Client.Capabilities().Tools {
				qualified := sess.PrefixFor(nc.Name, t.Name, tmplCounts[t.Name] > 1)
				tools = append(tools, toolOut{Server: nc.Name, Name: qualified, Description: t.Description})
			}
		}
		serverNames := serverOrder

		return textResult(struct {
			Servers []string  `json:"servers"`
			Tools   []toolOut `json:"tools"`
		}{Servers: serverNames, Tools: tools}), nil
	})
	return ToolRegistration{Name: tool.Name, Tool: tool, Handler: handler}
}

func (l *Layer) toolSchemaTool() ToolRegistration {
	tool := &gomcp.Tool{
		Name:        "tool_schema",
		Description: "Fetch the input schema for one admitted tool, populating the capability cache on first access.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"server":   {Type: "string"},
				"toolName": {Type: "string"},
			},
			Required: []string{"server", "toolName"},
		},
	}
	handler := withToolTelemetry("tool_schema", func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var params struct {
			Server   string `json:"server"`
			ToolName string `json:"toolName"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return textResult(newErrPayload(spec.ErrValidation, err.Error())), nil
		}

		sess, err := sessionFromContext(ctx, l.router, req)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}

		key := capcache.Key{Server: params.Server, Kind: capcache.KindSchema, Item: params.ToolName}
		if cached, ok := l.cache.Get(key); ok {
			schema, _ := cached.(*jsonschema.Schema)
			return textResult(struct {
				Schema     *jsonschema.Schema `json:"schema"`
				FromCache  bool               `json:"fromCache"`
			}{Schema: schema, FromCache: true}), nil
		}

		client, ok := l.router.FleetGet(params.Server)
		if ok {
			if !l.router.Admits(sess, params.Server) {
				return textResult(newErrPayload(spec.ErrNotPermitted, "session filter excludes server "+params.Server)), nil
			}
		} else {
			var isTemplate bool
			client, isTemplate, err = l.resolveTemplateClient(ctx, sess, params.Server)
			if err != nil {
				return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
			}
			if !isTemplate {
				return textResult(newErrPayload(spec.ErrNotFound, "unknown server "+params.Server)), nil
			}
			if client == nil {
				return textResult(newErrPayload(spec.ErrNotPermitted, "session filter excludes server "+params.Server)), nil
			}
		}
		schema, err := findToolSchema(client, params.ToolName)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}
		l.cache.Put(key, schema)

		return textResult(struct {
			Schema    *jsonschema.Schema `json:"schema"`
			FromCache bool               `json:"fromCache"`
		}{Schema: schema, FromCache: false}), nil
	})
	return ToolRegistration{Name: tool.Name, Tool: tool, Handler: handler}
}

func (l *Layer) toolInvokeTool() ToolRegistration {
	tool := &gomcp.Tool{
		Name:        "tool_invoke",
		Description: "Invoke an admitted tool by server and tool name.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"server":   {Type: "string"},
				"toolName": {Type: "string"},
				"args":     {Type: "object"},
			},
			Required: []string{"server", "toolName"},
		},
	}
	handler := withToolTelemetry("tool_invoke", func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var params struct {
			Server   string         `json:"server"`
			ToolName string         `json:"toolName"`
			Args     map[string]any `json:"args"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return textResult(newErrPayload(spec.ErrValidation, err.Error())), nil
		}

		sess, err := sessionFromContext(ctx, l.router, req)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}

		client, ok := l.router.FleetGet(params.Server)
		if ok {
			if !l.router.Admits(sess, params.Server) {
				return textResult(newErrPayload(spec.ErrNotPermitted, "session filter excludes server "+params.Server)), nil
			}
		} else {
			var isTemplate bool
			client, isTemplate, err = l.resolveTemplateClient(ctx, sess, params.Server)
			if err != nil {
				return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
			}
			if !isTemplate {
				return textResult(newErrPayload(spec.ErrNotFound, "unknown server "+params.Server)), nil
			}
			if client == nil {
				return textResult(newErrPayload(spec.ErrNotPermitted, "session filter excludes server "+params.Server)), nil
			}
		}

		result, err := client.CallTool(ctx, params.ToolName, params.Args)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}

		return textResult(struct {
			Server string                  `json:"server"`
			Tool   string                  `json:"tool"`
			Result *gomcp.CallToolResult   `json:"result"`
		}{Server: params.Server, Tool: params.ToolName, Result: result}), nil
	})
	return ToolRegistration{Name: tool.Name, Tool: tool, Handler: handler}
}

// findTool is the SUPPLEMENTED FEATURES substring-search discovery tool,
// adapted from createMcpFindTool (catalog search -> capability search).
func (l *Layer) findTool() ToolRegistration {
	tool := &gomcp.Tool{
		Name:        InternalToolPrefix + "find",
		Description: "Search the union of currently admitted tools by substring over name/description.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {Type: "string", Description: "Case-insensitive substring to search for"},
				"limit": {Type: "integer", Description: "Maximum number of results to return (default: 10)"},
			},
			Required: []string{"query"},
		},
	}
	handler := withToolTelemetry(tool.Name, func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var params struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return textResult(newErrPayload(spec.ErrValidation, err.Error())), nil
		}
		if params.Limit <= 0 {
			params.Limit = 10
		}

		sess, err := sessionFromContext(ctx, l.router, req)
		if err != nil {
			return textResult(newErrPayload(spec.KindOf(err), err.Error())), nil
		}

		query := strings.ToLower(params.Query)
		type match struct {
			Server      string `json:"server"`
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
		}
		var matches []match
		for _, c := range l.router.AdmittedClients(sess) {
			for _, t := range c.Capabilities().Tools {
				if len(matches) >= params.Limit {
					break
				}
				if strings.Contains(strings.ToLower(t.Name), query) || strings.Contains(strings.ToLower(t.Description), query) {
					matches = append(matches, match{Server: c.Name(), Name: t.Name, Description: t.Description})
				}
			}
		}
		for _, nc := range l.admittedTemplateClients(ctx, sess) {
			name, c := nc.Name, nc.Client
			for _, t := range c.Capabilities().Tools {
				if len(matches) >= params.Limit {
					break
				}
				if strings.Contains(strings.ToLower(t.Name), query) || strings.Contains(strings.ToLower(t.Description), query) {
					matches = append(matches, match{Server: name, Name: t.Name, Description: t.Description})
				}
			}
		}

		return textResult(struct {
			Matches []match `json:"matches"`
		}{Matches: matches}), nil
	})
	return ToolRegistration{Name: tool.Name, Tool: tool, Handler: handler}
}

func unmarshalParams(req *gomcp.CallToolRequest, out any) error {
	if req.Params.Arguments == nil {
		return fmt.Errorf("missing arguments")
	}
	b, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("failed to parse arguments: %w", err)
	}
	return nil
}

func findToolSchema(client *outbound.Client, toolName string) (*jsonschema.Schema, error) {
	for _, t := range client.Capabilities().Tools {
		if t.Name == toolName {
			return t.InputSchema, nil
		}
	}
	return nil, spec.NewError(spec.ErrNotFound, "unknown tool "+toolName, nil)
}

// withToolTelemetry wraps a meta-tool handler with span/counter
// instrumentation, the same shape as the teacher's own
// withToolTelemetry in pkg/gateway/dynamic_mcps.go.
func withToolTelemetry(toolName string, handler gomcp.ToolHandler) gomcp.ToolHandler {
	return func(ctx context.Context, req *gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		start := time.Now()
		ctx, span := telemetry.StartToolCallSpan(ctx, toolName, attribute.String("mcp.server.name", "metatools"))
		defer span.End()

		result, err := handler(ctx, req)

		if telemetry.ToolCallCounter != nil {
			telemetry.ToolCallCounter.Add(ctx, 1)
		}
		if telemetry.ToolCallDuration != nil {
			telemetry.ToolCallDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
		}
		if err != nil {
			telemetry.RecordToolError(ctx, span, "metatools", "lazy", toolName)
		}
		return result, err
	}
}
