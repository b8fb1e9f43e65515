// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// Text synchronization methods.
const (
	MethodDidOpen   = "textDocument/didOpen"
	MethodDidChange = "textDocument/didChange"
	MethodDidClose  = "textDocument/didClose"
)

// payloadMethods routes language-server output to opaque payload kinds.
var payloadMethods = map[string]PayloadKind{
	"textDocument/publishDiagnostics":     PayloadDiagnostics,
	"textDocument/codeAction":             PayloadCodeActions,
	"textDocument/completion":             PayloadCompletion,
	"textDocument/hover":                  PayloadHover,
	"workspace/didChangeWorkspaceFolders": PayloadWorkspace,
	"workspace/applyEdit":                 PayloadWorkspace,
}

// Notification represents a JSON-RPC notification (no ID, no response).
type Notification struct {
	// JSONRPC is the protocol version, always "2.0".
	JSONRPC string `json:"jsonrpc"`

	// Method is the method to invoke.
	Method string `json:"method"`

	// Params contains the method parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

// DocumentHandler receives decoded notifications from a Stream.
type DocumentHandler interface {
	DidOpen(ctx context.Context, params DidOpenTextDocumentParams) error
	DidChange(ctx context.Context, params DidChangeTextDocumentParams) error
	DidClose(ctx context.Context, params DidCloseTextDocumentParams) error
	Payload(ctx context.Context, p Payload) error
}

// Stream carries Content-Length framed JSON-RPC notifications between an
// LSP session and the collaboration core.
//
// Description:
//
//	Implements the LSP base protocol framing. Inbound notifications are
//	decoded and routed to a DocumentHandler. Outbound notifications are
//	used to overwrite the editor buffer when collaboration wins.
//
// Thread Safety:
//
//	Safe for concurrent writers. Serve must run in a single goroutine.
type Stream struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex
	closed  int32 // atomic: 1 if closed
}

// NewStream creates a stream reading r and writing w. Either may be nil.
func NewStream(r io.Reader, w io.Writer) *Stream {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Stream{reader: reader, writer: w}
}

// Notify sends a notification.
//
// Inputs:
//
//	method - The LSP method (e.g., "textDocument/didChange")
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	error - ErrStreamClosed after Close, or the write failure
func (s *Stream) Notify(method string, params any) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrStreamClosed
	}
	if s.writer == nil {
		return fmt.Errorf("no writer configured")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return s.writeMessage(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: raw})
}

// NotifyChange overwrites or patches the editor buffer of uri.
func (s *Stream) NotifyChange(uri string, version int32, changes []TextDocumentContentChangeEvent) error {
	return s.Notify(MethodDidChange, DidChangeTextDocumentParams{
		TextDocument: VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
			Version:                &version,
		},
		ContentChanges: changes,
	})
}

func (s *Stream) writeMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := s.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Serve reads notifications until EOF, Close or ctx cancellation and
// routes them to h.
//
// Description:
//
//	Handler errors for a single message do not stop the loop; they are
//	reported through onError when it is non-nil. Messages carrying an
//	unknown method are reported with ErrUnknownMethod.
//
// Outputs:
//
//	error - nil on EOF or Close, ctx.Err() on cancellation, the read
//	        failure otherwise
func (s *Stream) Serve(ctx context.Context, h DocumentHandler, onError func(method string, err error)) error {
	if s.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := s.readMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var n Notification
		if err := json.Unmarshal(msg, &n); err != nil {
			if onError != nil {
				onError("", fmt.Errorf("decode notification: %w", err))
			}
			continue
		}
		if err := s.dispatch(ctx, h, n); err != nil && onError != nil {
			onError(n.Method, err)
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, h DocumentHandler, n Notification) error {
	switch n.Method {
	case MethodDidOpen:
		var p DidOpenTextDocumentParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", n.Method, err)
		}
		return h.DidOpen(ctx, p)
	case MethodDidChange:
		var p DidChangeTextDocumentParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", n.Method, err)
		}
		return h.DidChange(ctx, p)
	case MethodDidClose:
		var p DidCloseTextDocumentParams
		if err := json.Unmarshal(n.Params, &p); err != nil {
			return fmt.Errorf("decode %s: %w", n.Method, err)
		}
		return h.DidClose(ctx, p)
	}

	kind, ok := payloadMethods[n.Method]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMethod, n.Method)
	}
	return h.Payload(ctx, Payload{Kind: kind, URI: payloadURI(n.Params), Data: n.Params})
}

// payloadURI extracts the document uri from the params shapes LSP uses.
func payloadURI(params json.RawMessage) string {
	var probe struct {
		URI          string                 `json:"uri"`
		TextDocument TextDocumentIdentifier `json:"textDocument"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	if probe.URI != "" {
		return probe.URI
	}
	return probe.TextDocument.URI
}

// readMessage reads a single framed message.
func (s *Stream) readMessage() (json.RawMessage, error) {
	var contentLength int

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)

		// Empty line marks end of headers
		if line == "" {
			break
		}

		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, err = strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", lenStr, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
	}

	if contentLength == 0 {
		return nil, ErrMissingContentLength
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(s.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Close marks the stream as closed. Underlying reader and writer are left
// open.
func (s *Stream) Close() {
	atomic.StoreInt32(&s.closed, 1)
}
