// Package mcp implements a Model Context Protocol client: a JSON-RPC 2.0
// codec and router (this file, router.go), a session handshake state
// machine (session.go), and a newline-delimited-JSON stdio subprocess
// transport (transport_stdio.go).
package mcp

import (
	"encoding/json"
	"fmt"
)

// Request is an outgoing or incoming JSON-RPC request/notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether this request carries no id.
func (r Request) IsNotification() bool { return r.ID == nil }

// RPCError is the JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is an incoming JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// MessageKind tags a decoded wire message.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
	KindParseError
)

// DecodedMessage is the tagged-union result of Decode.
type DecodedMessage struct {
	Kind     MessageKind
	Request  *Request
	Response *Response
	Err      error
}

// EncodeRequest encodes a JSON-RPC request with the given id (nil for a
// notification).
func EncodeRequest(id *int64, method string, params any) ([]byte, error) {
	req := Request{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// EncodeResponse encodes a JSON-RPC response (round-trip tests only;
// this client does not serve inbound requests).
func EncodeResponse(id int64, result any, rpcErr *RPCError) ([]byte, error) {
	resp := Response{JSONRPC: "2.0", ID: &id, Error: rpcErr}
	if rpcErr == nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		resp.Result = raw
	}
	return json.Marshal(resp)
}

// Decode classifies a raw JSON-RPC line: a message with "method" is a
// Request (or notification, if "id" is absent); a message with "result"
// or "error" is a Response. Malformed JSON yields KindParseError.
func Decode(line []byte) DecodedMessage {
	var probe struct {
		Method *string         `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return DecodedMessage{Kind: KindParseError, Err: err}
	}

	if probe.Method != nil {
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			return DecodedMessage{Kind: KindParseError, Err: err}
		}
		return DecodedMessage{Kind: KindRequest, Request: &req}
	}

	if probe.Result != nil || probe.Error != nil {
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return DecodedMessage{Kind: KindParseError, Err: err}
		}
		return DecodedMessage{Kind: KindResponse, Response: &resp}
	}

	return DecodedMessage{Kind: KindParseError, Err: fmt.Errorf("message has neither method nor result/error")}
}
