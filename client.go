package claudeagent

import (
	"context"
	"fmt"
	"iter"
	"sync"
)

// defaultSessionID is sent for host-initiated user messages in streaming
// mode when the host has not set an explicit session ID.
const defaultSessionID = "default"

// Query runs a one-shot interaction with the CLI: the prompt is passed on
// argv via `--print -- <text>`, stdin is closed immediately, and the
// returned iterator yields every message the CLI emits until it exits.
// There is no control channel in this mode; the CLI process and its
// resources are released once the iterator is fully drained or its
// consumer stops early.
func Query(ctx context.Context, prompt string, opts ...Option) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		options := DefaultOptions()
		for _, opt := range opts {
			opt(&options)
		}

		transport, err := NewSubprocessTransport(&options)
		if err != nil {
			yield(nil, err)
			return
		}
		transport.SetPrompt(prompt)

		if err := transport.Connect(ctx); err != nil {
			yield(nil, err)
			return
		}
		defer transport.Close()

		for msg, err := range transport.ReadMessages(ctx) {
			if !yield(msg, err) {
				return
			}
			if err != nil {
				return
			}
		}
	}
}

// Client is a persistent, streaming connection to the Claude Code CLI. It
// owns the subprocess transport and the control protocol engine, and
// exposes the C9 public-facade operations: Connect, Query,
// ReceiveMessages, ReceiveResponse, Interrupt, SetPermissionMode,
// SetModel, and Disconnect.
type Client struct {
	options Options

	mu        sync.Mutex
	connected bool
	transport *SubprocessTransport
	protocol  *Protocol

	msgCh     chan Message
	errCh     chan error
	msgCtx    context.Context
	msgCancel context.CancelFunc
}

// NewClient creates a disconnected client. Call Connect before Query,
// ReceiveMessages, or any control-plane method; all of them fail with
// *ErrNotConnected otherwise.
func NewClient(opts ...Option) (*Client, error) {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.SessionOptions.SessionID == "" {
		options.SessionOptions.SessionID = defaultSessionID
	}
	if err := validateOptions(&options); err != nil {
		return nil, err
	}
	return &Client{options: options}, nil
}

// Connect spawns the CLI in streaming mode. If any lifecycle hooks or
// in-process MCP servers are configured, it sends the initialize control
// request immediately afterward; an unconditional initialize is skipped
// when there is nothing to register, since it can deadlock against the
// CLI's start-of-stream otherwise. When initialPrompt is non-empty, it is
// sent as the first user message once the connection is live.
func (c *Client) Connect(ctx context.Context, initialPrompt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	transport, err := NewSubprocessTransport(&c.options)
	if err != nil {
		return err
	}
	transport.SetStreaming(true)

	if err := transport.Connect(ctx); err != nil {
		return err
	}

	c.transport = transport
	c.protocol = NewProtocol(transport, &c.options)
	c.msgCh = make(chan Message, 64)
	c.errCh = make(chan error, 1)
	c.msgCtx, c.msgCancel = context.WithCancel(context.Background())

	go c.messagePump()

	if len(c.options.Hooks) > 0 || len(c.options.SDKMcpServers) > 0 {
		if err := c.protocol.Initialize(ctx); err != nil {
			c.msgCancel()
			transport.Close()
			c.transport = nil
			return fmt.Errorf("initialize: %w", err)
		}
	}

	c.connected = true

	if initialPrompt != "" {
		if err := c.sendUserMessage(ctx, initialPrompt); err != nil {
			return err
		}
	}

	return nil
}

// messagePump drives the C3->C4 pipeline for the lifetime of the
// connection: control frames are routed to the protocol engine, content
// frames are forwarded to the host-facing channel, and a terminal read
// error is surfaced once and ends the pump.
func (c *Client) messagePump() {
	defer close(c.msgCh)
	for msg, err := range c.transport.ReadMessages(c.msgCtx) {
		if err != nil {
			select {
			case c.errCh <- err:
			default:
			}
			return
		}

		if isControlMessage(msg) {
			_ = c.protocol.HandleControlMessage(c.msgCtx, msg)
			continue
		}

		select {
		case c.msgCh <- msg:
		case <-c.msgCtx.Done():
			return
		}
	}
}

// Query sends a user prompt on the control connection. Responses arrive
// through ReceiveMessages/ReceiveResponse, not as a return value, since a
// single connection can have several prompts in flight.
func (c *Client) Query(ctx context.Context, prompt string) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ErrNotConnected{}
	}
	return c.sendUserMessage(ctx, prompt)
}

func (c *Client) sendUserMessage(ctx context.Context, prompt string) error {
	msg := UserMessage{
		Type:      "user",
		SessionID: c.options.SessionOptions.SessionID,
		Message: APIUserMessage{
			Role:    "user",
			Content: []UserContentBlock{{Type: "text", Text: prompt}},
		},
	}
	return c.protocol.SendMessage(ctx, msg)
}

// ReceiveMessages returns an iterator over every content message the CLI
// emits for the lifetime of the connection, across any number of Query
// calls. It ends when Disconnect is called or the connection fails.
func (c *Client) ReceiveMessages(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.msgCh:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			}
		}
	}
}

// ReceiveResponse returns an iterator over the message stream truncated
// at the first ResultMessage (inclusive), matching one turn of a
// conversation rather than the connection's entire lifetime.
func (c *Client) ReceiveResponse(ctx context.Context) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-c.msgCh:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
				if _, ok := msg.(ResultMessage); ok {
					return
				}
			}
		}
	}
}

// Interrupt asks the CLI to abort the current turn. Returns
// *ErrNotConnected if called before Connect or after Disconnect.
func (c *Client) Interrupt(ctx context.Context) error {
	c.mu.Lock()
	protocol := c.protocol
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ErrNotConnected{}
	}
	return protocol.Interrupt(ctx)
}

// SetPermissionMode dynamically changes the permission mode for the rest
// of the session. Returns *ErrNotConnected if called before Connect or
// after Disconnect.
func (c *Client) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	c.mu.Lock()
	protocol := c.protocol
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ErrNotConnected{}
	}
	return protocol.SetPermissionMode(ctx, mode)
}

// SetModel dynamically changes the model for the rest of the session.
// An empty model resets to the CLI's default. Returns *ErrNotConnected if
// called before Connect or after Disconnect.
func (c *Client) SetModel(ctx context.Context, model string) error {
	c.mu.Lock()
	protocol := c.protocol
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return &ErrNotConnected{}
	}
	return protocol.SetModel(ctx, model)
}

// Disconnect drives an orderly close: it stops the message pump, waits
// out any in-flight callback workers, and terminates the CLI subprocess.
// After Disconnect, every control-plane method fails with
// *ErrNotConnected. Disconnect is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false

	if c.msgCancel != nil {
		c.msgCancel()
	}
	if c.protocol != nil {
		c.protocol.Close()
	}
	if c.transport != nil {
		return c.transport.Close()
	}
	return nil
}

// validateOptions checks client configuration for internally
// inconsistent settings before a subprocess is ever spawned.
func validateOptions(opts *Options) error {
	if opts.Model == "" {
		return &ErrInvalidConfiguration{Field: "Model", Reason: "model must be specified"}
	}

	validModes := map[PermissionMode]bool{
		PermissionModeDefault:     true,
		PermissionModePlan:        true,
		PermissionModeAcceptEdits: true,
		PermissionModeBypassAll:   true,
	}
	if opts.PermissionMode != "" && !validModes[opts.PermissionMode] {
		return &ErrInvalidConfiguration{
			Field:  "PermissionMode",
			Reason: fmt.Sprintf("invalid permission mode: %s", opts.PermissionMode),
		}
	}

	if opts.SessionOptions.Resume != "" && opts.SessionOptions.ForkFrom != "" {
		return &ErrInvalidConfiguration{
			Field:  "SessionOptions",
			Reason: "cannot specify both Resume and ForkFrom",
		}
	}

	return nil
}

// isControlMessage reports whether msg belongs to the control channel
// (and so must be routed to the protocol engine) rather than the
// host-facing content stream.
func isControlMessage(msg Message) bool {
	switch msg.(type) {
	case SDKControlRequest, SDKControlResponse, SDKControlCancelRequest, KeepAliveMessage:
		return true
	default:
		return false
	}
}
