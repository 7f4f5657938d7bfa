// Package outbound implements C2, one logical connection to one upstream
// MCP server, with the Pending->Connecting->Ready/AwaitingAuth/Error state
// machine from spec §4.2.
package outbound

import (
	"context"
	"errors"
	"sync"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nullrunner/mcpmux/pkg/log"
	"github.com/nullrunner/mcpmux/pkg/spec"
	"github.com/nullrunner/mcpmux/pkg/transport"
)

// Status is one of the states in §3's OutboundClient lifecycle.
type Status int

const (
	Pending Status = iota
	Connecting
	AwaitingAuth
	Ready
	Error
	Stopped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Connecting:
		return "Connecting"
	case AwaitingAuth:
		return "AwaitingAuth"
	case Ready:
		return "Ready"
	case Error:
		return "Error"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// AuthRequiredEvent is emitted once per AwaitingAuth transition (§4.2).
type AuthRequiredEvent struct {
	ServerName string
	AuthURL    string
}

// Capabilities captures the declared tool/resource/prompt lists filled in
// on a successful connect (§3).
type Capabilities struct {
	Tools     []*gomcp.Tool
	Resources []*gomcp.Resource
	Prompts   []*gomcp.Prompt
}

// Client is the runtime state for one ServerSpec (§3's OutboundClient).
type Client struct {
	mu sync.RWMutex

	name         string
	spec         *spec.ServerSpec
	status       Status
	capabilities Capabilities
	tags         map[string]struct{}
	lastErr      error
	restarts     int

	adapter transport.Adapter
	session *gomcp.ClientSession
	client  *gomcp.Client

	// connectMu enforces "at most one in-flight connect() or close() at a
	// time" per client (§5).
	connectMu sync.Mutex

	onAuthRequired func(AuthRequiredEvent)
	onLeaveReady   func()
}

// New constructs a Client in the Pending state; it does not connect.
// onLeaveReady, when non-nil, fires once per transition out of Ready
// (§4.4 "cache entries are dropped on OutboundClient transition out of
// Ready") - a spontaneous disconnect or a manual restart invalidates
// stale schema entries the same way a reconcile-driven restart does.
func New(s *spec.ServerSpec, onAuthRequired func(AuthRequiredEvent), onLeaveReady func()) *Client {
	return &Client{
		name:           s.Name,
		spec:           s,
		status:         Pending,
		tags:           s.TagSet(),
		onAuthRequired: onAuthRequired,
		onLeaveReady:   onLeaveReady,
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) Tags() map[string]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tags
}

func (c *Client) Capabilities() Capabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities
}

func (c *Client) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	wasReady := c.status == Ready
	c.status = s
	c.mu.Unlock()
	if wasReady && s != Ready && c.onLeaveReady != nil {
		c.onLeaveReady()
	}
}

// UpdateTags live-applies a tags-only spec change (§3, §4.3 updateMetadata).
func (c *Client) UpdateTags(tags []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[t] = struct{}{}
	}
	c.tags = set
	c.spec.Tags = tags
}

// Connect drives Pending/Error -> Connecting -> Ready|AwaitingAuth|Error.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.setStatus(Connecting)

	connCtx := ctx
	timeout := c.spec.ConnectionTimeout
	var cancel context.CancelFunc
	if timeout > 0 {
		connCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	adapter, err := transport.NewAdapter(c.spec)
	if err != nil {
		c.fail(err)
		return err
	}

	impl := &gomcp.Implementation{Name: "mcpmux", Version: "0.1.0"}
	client := gomcp.NewClient(impl, nil)

	sess, err := adapter.Connect(connCtx, client)
	if err != nil {
		if sErr, ok := err.(*spec.Error); ok && sErr.Kind == spec.ErrAuthRequired {
			c.mu.Lock()
			wasReady := c.status == Ready
			c.lastErr = err
			c.status = AwaitingAuth
			c.mu.Unlock()
			if wasReady && c.onLeaveReady != nil {
				c.onLeaveReady()
			}
			if c.onAuthRequired != nil {
				c.onAuthRequired(AuthRequiredEvent{ServerName: c.name, AuthURL: sErr.Message})
			}
			log.Logf("- %s requires OAuth authorization", c.name)
			return err
		}
		c.fail(err)
		return err
	}

	caps, err := fetchCapabilities(connCtx, sess)
	if err != nil {
		c.fail(err)
		return err
	}

	c.mu.Lock()
	c.adapter = adapter
	c.client = client
	c.session = sess
	c.capabilities = caps
	c.status = Ready
	c.lastErr = nil
	c.restarts = 0
	c.mu.Unlock()

	log.Logf("- %s is Ready (%d tools, %d resources, %d prompts)", c.name, len(caps.Tools), len(caps.Resources), len(caps.Prompts))
	return nil
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	wasReady := c.status == Ready
	c.status = Error
	c.lastErr = err
	c.restarts++
	c.mu.Unlock()
	if wasReady && c.onLeaveReady != nil {
		c.onLeaveReady()
	}
	log.Logf("! %s connect failed: %v", c.name, err)
}

func fetchCapabilities(ctx context.Context, sess *gomcp.ClientSession) (Capabilities, error) {
	var caps Capabilities

	toolsRes, err := sess.ListTools(ctx, &gomcp.ListToolsParams{})
	if err != nil {
		return caps, spec.NewError(spec.ErrTransportError, "listing tools", err)
	}
	caps.Tools = toolsRes.Tools

	if resRes, err := sess.ListResources(ctx, &gomcp.ListResourcesParams{}); err == nil {
		caps.Resources = resRes.Resources
	}
	if promptRes, err := sess.ListPrompts(ctx, &gomcp.ListPromptsParams{}); err == nil {
		caps.Prompts = promptRes.Prompts
	}

	return caps, nil
}

// RestartsExceeded reports whether the restart counter has passed the
// spec's maxRestarts (§4.2 "remains in Error... until next reload or
// manual restart").
func (c *Client) RestartsExceeded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restarts > c.spec.MaxRestarts
}

// Close transitions to Stopped and tears down the adapter (§3 terminal
// transition "any -> Stopped").
func (c *Client) Close() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	wasReady := c.status == Ready
	c.status = Stopped
	adapter := c.adapter
	c.mu.Unlock()
	if wasReady && c.onLeaveReady != nil {
		c.onLeaveReady()
	}

	if adapter != nil {
		return adapter.Close()
	}
	return nil
}

// fail-fast contract operations (§4.2): every request below requires Ready.

func (c *Client) requireReady() (*gomcp.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status != Ready {
		return nil, spec.NewError(spec.ErrNotReady, c.name+" is not Ready", nil)
	}
	return c.session, nil
}

func (c *Client) boundedCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.spec.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.spec.RequestTimeout)
}

func (c *Client) ListTools(ctx context.Context) ([]*gomcp.Tool, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.ListTools(ctx, &gomcp.ListToolsParams{})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res.Tools, nil
}

func (c *Client) ListResources(ctx context.Context) ([]*gomcp.Resource, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.ListResources(ctx, &gomcp.ListResourcesParams{})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res.Resources, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]*gomcp.Prompt, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.ListPrompts(ctx, &gomcp.ListPromptsParams{})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res.Prompts, nil
}

func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*gomcp.CallToolResult, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.CallTool(ctx, &gomcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res, nil
}

func (c *Client) ReadResource(ctx context.Context, uri string) (*gomcp.ReadResourceResult, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.ReadResource(ctx, &gomcp.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res, nil
}

func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*gomcp.GetPromptResult, error) {
	sess, err := c.requireReady()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	res, err := sess.GetPrompt(ctx, &gomcp.GetPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, classifyErr(err)
	}
	return res, nil
}

func (c *Client) Ping(ctx context.Context) error {
	sess, err := c.requireReady()
	if err != nil {
		return err
	}
	ctx, cancel := c.boundedCtx(ctx)
	defer cancel()
	if err := sess.Ping(ctx, nil); err != nil {
		return classifyErr(err)
	}
	return nil
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return spec.NewError(spec.ErrTimeout, "request deadline exceeded", err)
	}
	return spec.NewError(spec.ErrUpstream, "upstream error", err)
}
