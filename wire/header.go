// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package wire implements the frame codec: the signed binary envelope
// every message travels in, and the order-preserving header list carried
// inside it. See §4.2 and §6 of the transport design for the exact byte
// layout; this package is the only place that layout is encoded.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/relaymesh/relaymesh/route"
)

// Action names a header's kind. Headers travel as a JSON array of
// [action, content] pairs rather than a map, so order is preserved and a
// single frame can carry several headers of the same action.
type Action string

const (
	ActionSend   Action = "send"
	ActionListen Action = "listen"
	ActionToken  Action = "token"
	ActionClose  Action = "close"
)

// Header is one (action, content) pair from a frame's header list.
type Header struct {
	Action  Action
	Content json.RawMessage
}

// SendContent is the content of a 'send' header.
type SendContent struct {
	Source      route.Route `json:"source"`
	Destination route.Route `json:"destination"`
}

// ListenContent is the content of a 'listen' header. Unlike RouteDict it
// never carries tokens: listening declares a channel's own address.
type ListenContent struct {
	Brokers  []string `json:"brokers"`
	Session  string   `json:"session"`
	Channel  string   `json:"channel"`
	IsPublic bool     `json:"is_public"`
}

// TokenIssueContent is the content of a 'token' header announcing a new
// capability certificate, optionally extending a prior one.
type TokenIssueContent struct {
	Op      string `json:"op"` // "issue"
	Encoded []byte `json:"encoded"`
	PrevEnc []byte `json:"prev_encoded,omitempty"`
}

// TokenRevokeContent is the content of a 'token' header revoking a
// previously issued certificate by its signature.
type TokenRevokeContent struct {
	Op        string `json:"op"` // "revoke"
	Signature []byte `json:"signature"`
}

// NewSend builds a 'send' header.
func NewSend(source, destination route.Route) (Header, error) {
	return encodeHeader(ActionSend, SendContent{Source: source, Destination: destination})
}

// NewListen builds a 'listen' header.
func NewListen(c ListenContent) (Header, error) {
	return encodeHeader(ActionListen, c)
}

// NewTokenIssue builds a 'token' header announcing issuance.
func NewTokenIssue(encoded, prevEncoded []byte) (Header, error) {
	return encodeHeader(ActionToken, TokenIssueContent{Op: "issue", Encoded: encoded, PrevEnc: prevEncoded})
}

// NewTokenRevoke builds a 'token' header announcing revocation.
func NewTokenRevoke(signature []byte) (Header, error) {
	return encodeHeader(ActionToken, TokenRevokeContent{Op: "revoke", Signature: signature})
}

// NewClose builds a 'close' header.
func NewClose(r route.Route) (Header, error) {
	return encodeHeader(ActionClose, r)
}

func encodeHeader(a Action, content any) (Header, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Header{}, fmt.Errorf("wire: encode %s header: %w", a, err)
	}
	return Header{Action: a, Content: raw}, nil
}

// Send decodes a 'send' header's content. Callers should check Action first.
func (h Header) Send() (SendContent, error) {
	var c SendContent
	err := json.Unmarshal(h.Content, &c)
	return c, err
}

// Listen decodes a 'listen' header's content.
func (h Header) Listen() (ListenContent, error) {
	var c ListenContent
	err := json.Unmarshal(h.Content, &c)
	return c, err
}

// Close decodes a 'close' header's content.
func (h Header) Close() (route.Route, error) {
	var c route.Route
	err := json.Unmarshal(h.Content, &c)
	return c, err
}

// tokenOp peeks at the token header's op field to decide which of
// TokenIssueContent / TokenRevokeContent to decode into.
func (h Header) tokenOp() (string, error) {
	var op struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(h.Content, &op); err != nil {
		return "", err
	}
	return op.Op, nil
}

// TokenIssue decodes a 'token' header whose op is "issue".
func (h Header) TokenIssue() (TokenIssueContent, error) {
	op, err := h.tokenOp()
	if err != nil {
		return TokenIssueContent{}, err
	}
	if op != "issue" {
		return TokenIssueContent{}, fmt.Errorf("wire: token header op %q is not issue", op)
	}
	var c TokenIssueContent
	err = json.Unmarshal(h.Content, &c)
	return c, err
}

// TokenRevoke decodes a 'token' header whose op is "revoke".
func (h Header) TokenRevoke() (TokenRevokeContent, error) {
	op, err := h.tokenOp()
	if err != nil {
		return TokenRevokeContent{}, err
	}
	if op != "revoke" {
		return TokenRevokeContent{}, fmt.Errorf("wire: token header op %q is not revoke", op)
	}
	var c TokenRevokeContent
	err = json.Unmarshal(h.Content, &c)
	return c, err
}

// EncodeHeaders serializes an ordered header list as a JSON array of
// [action, content] pairs.
func EncodeHeaders(headers []Header) ([]byte, error) {
	arr := make([]json.RawMessage, 0, len(headers))
	for _, h := range headers {
		pairJSON, err := json.Marshal([]json.RawMessage{
			mustQuote(string(h.Action)), h.Content,
		})
		if err != nil {
			return nil, fmt.Errorf("wire: encode header list: %w", err)
		}
		arr = append(arr, pairJSON)
	}
	return json.Marshal(arr)
}

func mustQuote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// DecodeHeaders parses a header list produced by EncodeHeaders, preserving order.
func DecodeHeaders(b []byte) ([]Header, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("wire: decode header list: %w", err)
	}
	headers := make([]Header, 0, len(raw))
	for _, item := range raw {
		var tuple [2]json.RawMessage
		if err := json.Unmarshal(item, &tuple); err != nil {
			return nil, fmt.Errorf("wire: decode header pair: %w", err)
		}
		var action Action
		if err := json.Unmarshal(tuple[0], &action); err != nil {
			return nil, fmt.Errorf("wire: decode header action: %w", err)
		}
		headers = append(headers, Header{Action: action, Content: tuple[1]})
	}
	return headers, nil
}
