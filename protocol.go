package claudeagent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// controlRequestTimeout is the fixed deadline the Request Correlator (C5)
// applies to every outbound control request, per the control protocol's
// pending-response contract.
const controlRequestTimeout = 60 * time.Second

// pendingRequest is a single-shot notifier for one outstanding control
// request. sendRequest removes it from the pending table exactly once when
// it returns, whether a response arrived, the timeout elapsed, or ctx was
// canceled.
type pendingRequest struct {
	ch     chan SDKControlResponse
	once   sync.Once
	closed chan struct{}
}

func newPendingRequest() *pendingRequest {
	return &pendingRequest{
		ch:     make(chan SDKControlResponse, 1),
		closed: make(chan struct{}),
	}
}

// deliver completes the request with a response. Safe to call at most
// meaningfully once; later calls are no-ops.
func (p *pendingRequest) deliver(resp SDKControlResponse) {
	p.once.Do(func() {
		p.ch <- resp
		close(p.closed)
	})
}

// Protocol implements the control protocol engine that sits between the
// transport and the public facades: it correlates outbound control
// requests with their responses (C5), serializes writes through the
// transport (feeding C6), and dispatches inbound control requests to
// host-registered callbacks on detached per-request goroutines (C7).
type Protocol struct {
	transport *SubprocessTransport
	options   *Options

	seq           atomic.Uint64
	pending       sync.Map // request_id -> *pendingRequest
	hookCallbacks map[string]HookCallback
	hooksMu       sync.RWMutex
	sdkMcpServers map[string]*McpServer
	initialized   atomic.Bool

	// callbackWG tracks detached callback workers so Close can wait for
	// in-flight callbacks to finish delivering their responses.
	callbackWG sync.WaitGroup
}

// NewProtocol creates a protocol handler bound to a connected transport.
func NewProtocol(transport *SubprocessTransport, options *Options) *Protocol {
	sdkMcpServers := make(map[string]*McpServer, len(options.SDKMcpServers))
	for name, server := range options.SDKMcpServers {
		sdkMcpServers[name] = server
	}

	return &Protocol{
		transport:     transport,
		options:       options,
		hookCallbacks: make(map[string]HookCallback),
		sdkMcpServers: sdkMcpServers,
	}
}

// Initialize sends the initialize control request, registering hooks and
// in-process MCP server names with the CLI. Client.Connect sends it, and
// waits for it to complete, only when hooks or in-process MCP servers are
// configured.
func (p *Protocol) Initialize(ctx context.Context) error {
	if p.initialized.Load() {
		return nil
	}

	var hooks map[string][]SDKHookCallbackMatcher
	if len(p.options.Hooks) > 0 {
		hooks = make(map[string][]SDKHookCallbackMatcher)
		hookID := 0

		p.hooksMu.Lock()
		for hookType, configs := range p.options.Hooks {
			var matchers []SDKHookCallbackMatcher
			for _, cfg := range configs {
				id := fmt.Sprintf("hook_%d", hookID)
				hookID++
				p.hookCallbacks[id] = cfg.Callback
				matchers = append(matchers, SDKHookCallbackMatcher{
					Matcher:         cfg.Matcher,
					HookCallbackIDs: []string{id},
				})
			}
			hooks[string(hookType)] = matchers
		}
		p.hooksMu.Unlock()
	}

	var sdkMcpServerNames []string
	for name := range p.sdkMcpServers {
		sdkMcpServerNames = append(sdkMcpServerNames, name)
	}

	resp, err := p.sendRequest(ctx, SDKControlRequestBody{
		Subtype:       "initialize",
		Hooks:         hooks,
		SDKMCPServers: sdkMcpServerNames,
		SystemPrompt:  p.options.SystemPrompt,
	})
	if err != nil {
		return err
	}
	if resp.Response.Subtype == "error" {
		return &ErrControlError{RequestID: resp.Response.RequestID, Message: resp.Response.Error}
	}

	p.initialized.Store(true)
	return nil
}

// SendMessage writes a user message to the CLI. It does not check whether
// Initialize has run.
func (p *Protocol) SendMessage(ctx context.Context, msg UserMessage) error {
	return p.transport.Write(ctx, msg)
}

// Interrupt asks the CLI to abort the current turn.
func (p *Protocol) Interrupt(ctx context.Context) error {
	_, err := p.sendRequest(ctx, SDKControlRequestBody{Subtype: "interrupt"})
	return err
}

// SetPermissionMode dynamically changes the permission mode for the
// remainder of the session.
func (p *Protocol) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	_, err := p.sendRequest(ctx, SDKControlRequestBody{Subtype: "set_permission_mode", Mode: string(mode)})
	return err
}

// SetModel dynamically changes the model for the remainder of the
// session. An empty model resets to the CLI's default.
func (p *Protocol) SetModel(ctx context.Context, model string) error {
	_, err := p.sendRequest(ctx, SDKControlRequestBody{Subtype: "set_model", Model: model})
	return err
}

// sendRequest builds and writes a control_request frame, registers it
// with the Request Correlator, and blocks until a response arrives, the
// fixed timeout elapses, or ctx is canceled. An error response from the
// CLI is returned as *ErrControlError.
func (p *Protocol) sendRequest(ctx context.Context, body SDKControlRequestBody) (SDKControlResponse, error) {
	requestID := p.nextRequestID()
	pr := newPendingRequest()
	p.pending.Store(requestID, pr)
	defer p.pending.Delete(requestID)

	req := SDKControlRequest{
		Type:      "control_request",
		RequestID: requestID,
		Request:   body,
	}

	if err := p.transport.Write(ctx, req); err != nil {
		return SDKControlResponse{}, err
	}

	timer := time.NewTimer(controlRequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return SDKControlResponse{}, ctx.Err()
	case <-timer.C:
		return SDKControlResponse{}, &ErrTimeout{RequestID: requestID}
	case resp := <-pr.ch:
		if resp.Response.Subtype == "error" {
			return resp, &ErrControlError{RequestID: requestID, Message: resp.Response.Error}
		}
		return resp, nil
	}
}

// nextRequestID generates a request_id of the form req_<seq>_<rand>,
// unique within this process and resistant to accidental collision with
// a restarted sequence counter.
func (p *Protocol) nextRequestID() string {
	seq := p.seq.Add(1)
	return fmt.Sprintf("req_%d_%d", seq, rand.Intn(1_000_000))
}

// HandleControlMessage routes one frame the Frame Demultiplexer (C4)
// classified as control traffic: an inbound control_request is dispatched
// to a detached callback worker (C7) so the reader is never blocked by
// callback execution, and a control_response completes its matching
// pending request (C5).
func (p *Protocol) HandleControlMessage(ctx context.Context, msg Message) error {
	switch m := msg.(type) {
	case SDKControlRequest:
		p.dispatchControlRequest(ctx, m)
		return nil
	case SDKControlResponse:
		return p.handleControlResponse(m)
	default:
		return &ErrParseError{Cause: fmt.Errorf("unexpected control message type: %T", msg)}
	}
}

// dispatchControlRequest spawns a detached worker to handle one inbound
// control_request and write its response, isolating a panicking or slow
// callback from the reader loop.
func (p *Protocol) dispatchControlRequest(ctx context.Context, req SDKControlRequest) {
	p.callbackWG.Add(1)
	go func() {
		defer p.callbackWG.Done()
		resp := p.handleCallback(ctx, req)
		// Best effort: if the transport is already closed the write
		// fails silently, matching a shutting-down connection.
		_ = p.transport.Write(ctx, resp)
	}()
}

// handleCallback recovers from a panicking host callback and turns it
// into an error control_response instead of crashing the worker.
func (p *Protocol) handleCallback(ctx context.Context, req SDKControlRequest) (resp SDKControlResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = errorResponse(req.RequestID, fmt.Sprintf("callback panicked: %v", r))
		}
	}()

	switch req.Request.Subtype {
	case "can_use_tool":
		return p.handlePermissionRequest(ctx, req)
	case "hook_callback":
		return p.handleHookCallback(ctx, req)
	case "mcp_message":
		return p.handleMCPMessage(ctx, req)
	default:
		return errorResponse(req.RequestID, fmt.Sprintf("unknown control request subtype: %s", req.Request.Subtype))
	}
}

func errorResponse(requestID, message string) SDKControlResponse {
	return SDKControlResponse{
		Type: "control_response",
		Response: SDKControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

func successResponse(requestID string, data map[string]interface{}) SDKControlResponse {
	return SDKControlResponse{
		Type: "control_response",
		Response: SDKControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  data,
		},
	}
}

// handlePermissionRequest processes a can_use_tool control request,
// invoking the host's CanUseTool callback and translating its decision
// into the CLI's wire format: {"behavior":"allow", updatedInput,
// updatedPermissions} or {"behavior":"deny", message, interrupt}.
func (p *Protocol) handlePermissionRequest(ctx context.Context, req SDKControlRequest) SDKControlResponse {
	permReq := ToolPermissionRequest{
		ToolName:  req.Request.ToolName,
		Arguments: marshalJSON(req.Request.Input),
		Context: PermissionContext{
			ToolUseID: req.Request.ToolUseID,
			AgentID:   req.Request.AgentID,
		},
	}

	var result PermissionResult = PermissionAllow{}
	if p.options.CanUseTool != nil {
		result = p.options.CanUseTool(ctx, permReq)
	}

	respData := map[string]interface{}{"behavior": "allow"}
	switch r := result.(type) {
	case PermissionAllow:
		if len(r.UpdatedInput) > 0 {
			var updated interface{}
			if err := json.Unmarshal(r.UpdatedInput, &updated); err == nil {
				respData["updatedInput"] = updated
			}
		} else {
			respData["updatedInput"] = req.Request.Input
		}
		if len(r.UpdatedPermissions) > 0 {
			respData["updatedPermissions"] = r.UpdatedPermissions
		}
	case PermissionDeny:
		respData["behavior"] = "deny"
		respData["message"] = r.Message
		respData["interrupt"] = r.Interrupt
	}

	return successResponse(req.RequestID, respData)
}

// handleHookCallback processes a hook_callback control request, routing
// it to the registered HookCallback for the CLI-supplied callback ID.
func (p *Protocol) handleHookCallback(ctx context.Context, req SDKControlRequest) SDKControlResponse {
	callbackID := req.Request.CallbackID
	hookInput := req.Request.Input

	p.hooksMu.RLock()
	callback, ok := p.hookCallbacks[callbackID]
	p.hooksMu.RUnlock()
	if !ok {
		return errorResponse(req.RequestID, fmt.Sprintf("Hook callback not found: %s", callbackID))
	}

	base := BaseHookInput{
		SessionID:      getString(hookInput, "session_id"),
		TranscriptPath: getString(hookInput, "transcript_path"),
		Cwd:            getString(hookInput, "cwd"),
		PermissionMode: getString(hookInput, "permission_mode"),
	}

	hookEventName := getString(hookInput, "hook_event_name")
	input, err := buildHookInput(HookType(hookEventName), base, hookInput)
	if err != nil {
		return errorResponse(req.RequestID, err.Error())
	}

	result, err := callback(ctx, input)
	if err != nil {
		return errorResponse(req.RequestID, err.Error())
	}

	return successResponse(req.RequestID, buildHookResponse(result))
}

// buildHookInput constructs the typed HookInput matching hookEventName
// from the raw control-request payload.
func buildHookInput(hookEventName HookType, base BaseHookInput, data map[string]interface{}) (HookInput, error) {
	switch hookEventName {
	case HookTypePreToolUse:
		return PreToolUseInput{
			BaseHookInput: base,
			ToolName:      getString(data, "tool_name"),
			ToolInput:     marshalJSON(data["tool_input"]),
		}, nil
	case HookTypePostToolUse:
		return PostToolUseInput{
			BaseHookInput: base,
			ToolName:      getString(data, "tool_name"),
			ToolInput:     marshalJSON(data["tool_input"]),
			ToolResponse:  marshalJSON(data["tool_response"]),
		}, nil
	case HookTypeUserPromptSubmit:
		return UserPromptSubmitInput{
			BaseHookInput: base,
			Prompt:        getString(data, "prompt"),
		}, nil
	case HookTypeStop:
		return StopInput{BaseHookInput: base}, nil
	case HookTypeSubagentStop:
		return SubagentStopInput{
			BaseHookInput: base,
			AgentName:     getString(data, "agent_name"),
			Status:        getString(data, "status"),
			Result:        getString(data, "result"),
		}, nil
	case HookTypePreCompact:
		return PreCompactInput{
			BaseHookInput: base,
			Trigger:       getString(data, "trigger"),
			MessageCount:  getInt(data, "message_count"),
		}, nil
	case HookTypePostToolUseFailure:
		return PostToolUseFailureInput{
			BaseHookInput: base,
			ToolName:      getString(data, "tool_name"),
			ToolInput:     marshalJSON(data["tool_input"]),
			Error:         getString(data, "error"),
			IsInterrupt:   getBool(data, "is_interrupt"),
		}, nil
	case HookTypeNotification:
		return NotificationInput{
			BaseHookInput: base,
			Message:       getString(data, "message"),
			Title:         getString(data, "title"),
		}, nil
	case HookTypeSessionStart:
		return SessionStartInput{
			BaseHookInput: base,
			Source:        getString(data, "source"),
		}, nil
	case HookTypeSessionEnd:
		return SessionEndInput{
			BaseHookInput: base,
			Reason:        getString(data, "reason"),
		}, nil
	case HookTypeSubagentStart:
		return SubagentStartInput{
			BaseHookInput: base,
			AgentID:       getString(data, "agent_id"),
			AgentType:     getString(data, "agent_type"),
		}, nil
	case HookTypePermissionRequest:
		return PermissionRequestInput{
			BaseHookInput: base,
			ToolName:      getString(data, "tool_name"),
			ToolInput:     marshalJSON(data["tool_input"]),
		}, nil
	default:
		return nil, fmt.Errorf("unknown hook event name: %s", hookEventName)
	}
}

// handleMCPMessage processes an mcp_message control request. The subtype
// is reserved by the control protocol for routing JSONRPC traffic to an
// in-process MCP server; when no server is registered under the given
// name, it returns the literal "MCP not implemented" error the protocol
// reserves for this case.
func (p *Protocol) handleMCPMessage(ctx context.Context, req SDKControlRequest) SDKControlResponse {
	serverName := req.Request.ServerName
	server, ok := p.sdkMcpServers[serverName]
	if !ok {
		return errorResponse(req.RequestID, "MCP not implemented")
	}

	message := req.Request.Message
	method, _ := message["method"].(string)
	messageID := message["id"]

	var result map[string]interface{}
	switch method {
	case "initialize":
		result = map[string]interface{}{
			"protocolVersion": "2025-11-25",
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{"listChanged": false},
			},
			"serverInfo": map[string]interface{}{
				"name":    server.Name(),
				"version": server.Version(),
			},
		}

	case "notifications/initialized", "notifications/cancelled":
		result = map[string]interface{}{}

	case "tools/list":
		tools := make([]map[string]interface{}, 0, len(server.ToolDefs()))
		for _, def := range server.ToolDefs() {
			tool := map[string]interface{}{
				"name":        def.Name,
				"description": def.Description,
			}
			if def.InputSchema != nil {
				tool["inputSchema"] = def.InputSchema
			}
			tools = append(tools, tool)
		}
		result = map[string]interface{}{"tools": tools}

	case "tools/call":
		params, _ := message["params"].(map[string]interface{})
		toolName, _ := params["name"].(string)
		argsJSON, err := json.Marshal(params["arguments"])
		if err != nil {
			return errorResponse(req.RequestID, fmt.Sprintf("failed to marshal arguments: %v", err))
		}

		toolResult, err := server.CallTool(ctx, toolName, argsJSON)
		if err != nil {
			return errorResponse(req.RequestID, err.Error())
		}
		result = map[string]interface{}{
			"content": toolResult.Content,
			"isError": toolResult.IsError,
		}

	default:
		return errorResponse(req.RequestID, fmt.Sprintf("unknown MCP method: %s", method))
	}

	return successResponse(req.RequestID, map[string]interface{}{
		"mcp_response": map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      messageID,
			"result":  result,
		},
	})
}

// handleControlResponse delivers an inbound control_response to the
// pending request it correlates with via Response.RequestID.
func (p *Protocol) handleControlResponse(resp SDKControlResponse) error {
	requestID := resp.Response.RequestID
	val, ok := p.pending.Load(requestID)
	if !ok {
		// The request may have already timed out and been removed; this
		// is not a protocol violation, just a late response.
		return nil
	}
	pr := val.(*pendingRequest)
	pr.deliver(resp)
	return nil
}

// Close waits for in-flight callback workers to finish sending their
// responses, bounded by a short grace period so a stuck callback cannot
// hang shutdown indefinitely.
func (p *Protocol) Close() {
	done := make(chan struct{})
	go func() {
		p.callbackWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// Helper functions for extracting typed values from maps.

func getString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func getInt(m map[string]interface{}, key string) int {
	v, ok := m[key].(float64) // JSON numbers decode as float64
	if !ok {
		return 0
	}
	return int(v)
}

func getBool(m map[string]interface{}, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func marshalJSON(v interface{}) []byte {
	if v == nil {
		return []byte("null")
	}
	data, _ := json.Marshal(v)
	return data
}

// buildHookResponse serializes a HookResult into the response map format
// the CLI expects for hook callbacks.
func buildHookResponse(result HookResult) map[string]interface{} {
	resp := map[string]interface{}{
		"continue": result.Continue,
	}
	if len(result.Modify) > 0 {
		resp["modify"] = result.Modify
	}
	return resp
}
