package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/secinv-io/secinv-mcp/internal/api"
	"github.com/secinv-io/secinv-mcp/internal/registry"
)

const mcpProtocolVersion = "2024-11-05"

const (
	codeParseError       = -32700
	codeInvalidRequest   = -32600
	codeMethodNotFound   = -32601
	codeInvalidParams    = -32602
	codeInternalError    = -32603
	codeResourceNotFound = -32002
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r rpcRequest) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("rpc error %d", e.Code)
	}
	return e.Message
}

type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      map[string]any `json:"clientInfo"`
}

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourceTemplateDescriptor struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content           []contentItem `json:"content"`
	StructuredContent any           `json:"structuredContent,omitempty"`
	IsError           bool          `json:"isError,omitempty"`
}

type resourceReadResult struct {
	Contents []map[string]any `json:"contents"`
}

// mcpServer answers MCP requests from the registry. It holds no per-client
// state, so stdio and HTTP share one instance.
type mcpServer struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// serveMCP reads newline-delimited JSON-RPC from in and writes replies to out,
// one request at a time, until EOF, exit or ctx is cancelled.
func serveMCP(ctx context.Context, srv *mcpServer, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		reader := bufio.NewReader(in)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	encoder := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}

			response, method := srv.handleLine(ctx, line)
			if response != nil {
				if err := encoder.Encode(response); err != nil {
					return err
				}
			}
			if method == "exit" {
				return nil
			}
		}
	}
}

func (s *mcpServer) handleLine(ctx context.Context, line []byte) (*rpcResponse, string) {
	var req rpcRequest
	if err := decodeJSON(line, &req); err != nil {
		return errorResponse(json.RawMessage("null"), &rpcError{Code: codeParseError, Message: "invalid JSON"}), ""
	}
	return s.respond(ctx, req), req.Method
}

// respond runs one request. Notifications never get a reply.
func (s *mcpServer) respond(ctx context.Context, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" {
		if req.isNotification() {
			return nil
		}
		return errorResponse(req.ID, &rpcError{Code: codeInvalidRequest, Message: "invalid JSON-RPC version"})
	}

	response, err := handleMCPRequest(ctx, s, req)
	if req.isNotification() {
		if err != nil {
			s.logger.Debug("notification failed", "method", req.Method, "error", err)
		}
		return nil
	}
	if err != nil {
		var rpcErr *rpcError
		if !errors.As(err, &rpcErr) {
			rpcErr = &rpcError{Code: codeInternalError, Message: err.Error()}
		}
		return errorResponse(req.ID, rpcErr)
	}
	return response
}

func handleMCPRequest(ctx context.Context, srv *mcpServer, req rpcRequest) (*rpcResponse, error) {
	switch req.Method {
	case "initialize":
		params := initializeParams{}
		if len(req.Params) > 0 {
			if err := decodeJSON(req.Params, &params); err != nil {
				return nil, invalidParamsError("invalid initialize params")
			}
		}

		protocol := params.ProtocolVersion
		if protocol == "" {
			protocol = mcpProtocolVersion
		}

		srv.logger.Info("client initialized", "protocol_version", protocol, "client", params.ClientInfo["name"])
		return rpcResult(req.ID, initializeResult(protocol)), nil
	case "initialized", "notifications/initialized", "ping", "shutdown", "exit":
		return rpcResult(req.ID, map[string]any{}), nil
	case "tools/list":
		return rpcResult(req.ID, map[string]any{"tools": toolDefinitions(srv.registry)}), nil
	case "tools/call":
		return handleToolCall(ctx, srv, req)
	case "resources/list":
		return rpcResult(req.ID, map[string]any{"resources": resourceList(srv.registry)}), nil
	case "resources/templates/list":
		return rpcResult(req.ID, map[string]any{"resourceTemplates": resourceTemplateList(srv.registry)}), nil
	case "resources/read":
		return handleResourceRead(ctx, srv, req)
	default:
		return nil, methodNotFoundError(fmt.Sprintf("method not found: %s", req.Method))
	}
}

func initializeResult(protocol string) map[string]any {
	return map[string]any{
		"protocolVersion": protocol,
		"capabilities": map[string]any{
			"tools": map[string]any{
				"listChanged": false,
			},
			"resources": map[string]any{
				"listChanged": false,
				"subscribe":   false,
			},
		},
		"serverInfo": map[string]any{
			"name":    "secinv",
			"version": resolveVersion(),
		},
	}
}

func handleToolCall(ctx context.Context, srv *mcpServer, req rpcRequest) (*rpcResponse, error) {
	if len(req.Params) == 0 {
		return nil, invalidParamsError("missing params")
	}

	var params toolCallParams
	if err := decodeJSON(req.Params, &params); err != nil {
		return nil, invalidParamsError("invalid tool call params")
	}
	if params.Name == "" {
		return nil, invalidParamsError("tool name required")
	}

	payload, err := srv.registry.Call(ctx, params.Name, params.Arguments)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrResourceNotFound):
			return nil, invalidParamsError(fmt.Sprintf("tool not found: %s", params.Name))
		case isBadRequest(err):
			return nil, invalidParamsError(err.Error())
		}
		return rpcResult(req.ID, toolErrorResult(err)), nil
	}

	return rpcResult(req.ID, toolResultFromJSON(payload)), nil
}

func handleResourceRead(ctx context.Context, srv *mcpServer, req rpcRequest) (*rpcResponse, error) {
	if len(req.Params) == 0 {
		return nil, invalidParamsError("missing params")
	}

	var params resourceReadParams
	if err := decodeJSON(req.Params, &params); err != nil {
		return nil, invalidParamsError("invalid resource params")
	}
	if params.URI == "" {
		return nil, invalidParamsError("uri required")
	}

	payload, err := srv.registry.Dispatch(ctx, params.URI)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrResourceNotFound):
			return nil, &rpcError{Code: codeResourceNotFound, Message: "resource not found", Data: map[string]any{"uri": params.URI}}
		case isBadRequest(err):
			return nil, invalidParamsError(err.Error())
		case errors.Is(err, api.ErrBackendRequestFailed):
			return nil, &rpcError{Code: codeInternalError, Message: "backend request failed", Data: backendErrorData(err)}
		}
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}

	result, err := resourceResult(params.URI, payload)
	if err != nil {
		return nil, &rpcError{Code: codeInternalError, Message: err.Error()}
	}
	return rpcResult(req.ID, result), nil
}

func isBadRequest(err error) bool {
	return errors.Is(err, registry.ErrParameterTypeMismatch) || errors.Is(err, registry.ErrMissingParameter)
}

// backendErrorData exposes the status and path of a failed backend call.
// Status is zero for transport failures.
func backendErrorData(err error) map[string]any {
	data := map[string]any{"cause": err.Error()}
	var reqErr *api.RequestError
	if errors.As(err, &reqErr) {
		data["status"] = reqErr.StatusCode
		data["path"] = reqErr.Path
		if reqErr.Err != nil {
			data["cause"] = reqErr.Err.Error()
		}
	}
	return data
}

func resourceList(reg *registry.Registry) []resourceDescriptor {
	items := reg.Resources()
	out := make([]resourceDescriptor, 0, len(items))
	for _, d := range items {
		out = append(out, resourceDescriptor{
			URI:         d.URI,
			Name:        d.Name,
			Description: d.Description,
			MimeType:    d.MimeType,
		})
	}
	return out
}

func resourceTemplateList(reg *registry.Registry) []resourceTemplateDescriptor {
	items := reg.Templates()
	out := make([]resourceTemplateDescriptor, 0, len(items))
	for _, d := range items {
		out = append(out, resourceTemplateDescriptor{
			URITemplate: d.URI,
			Name:        d.Name,
			Description: d.Description,
			MimeType:    d.MimeType,
		})
	}
	return out
}

func toolDefinitions(reg *registry.Registry) []toolDefinition {
	items := reg.Tools()
	out := make([]toolDefinition, 0, len(items))
	for _, d := range items {
		out = append(out, toolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}
	return out
}

func toolResultFromJSON(payload any) toolResult {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return toolErrorResult(err)
	}

	return toolResult{
		Content: []contentItem{
			{Type: "text", Text: string(encoded)},
		},
	}
}

func toolErrorResult(err error) toolResult {
	result := toolResult{
		Content: []contentItem{
			{Type: "text", Text: err.Error()},
		},
		IsError: true,
	}
	if errors.Is(err, api.ErrBackendRequestFailed) {
		result.StructuredContent = backendErrorData(err)
	}
	return result
}

func resourceResult(uri string, payload any) (resourceReadResult, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return resourceReadResult{}, err
	}

	return resourceReadResult{
		Contents: []map[string]any{
			{
				"uri":      uri,
				"mimeType": "application/json",
				"text":     string(encoded),
			},
		},
	}, nil
}

func rpcResult(id json.RawMessage, result any) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
}

func errorResponse(id json.RawMessage, rpcErr *rpcError) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcErr,
	}
}

func invalidParamsError(message string) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: message}
}

func methodNotFoundError(message string) *rpcError {
	return &rpcError{Code: codeMethodNotFound, Message: message}
}

// decodeJSON keeps numbers as json.Number so large ids survive.
func decodeJSON(data []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	return decoder.Decode(v)
}
