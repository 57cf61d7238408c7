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

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/relaymesh/relaymesh/crypto"
)

// SignatureSize is the fixed length of an Ed25519 signature.
const SignatureSize = 64

// RetryOriginal marks a frame as a first send attempt.
const RetryOriginal = 0

// RetryAck marks a frame as itself being an acknowledgement.
const RetryAck = 255

// Frame is a decoded wire envelope, §4.2:
//
//	signature(64) || t(4) || len_h(2) || len_payload_region(3)
//	            || header_json(len_h) || retry(1) || ack_msg_id(0 or 64)
//	            || payload(remaining)
type Frame struct {
	Signature []byte
	Timestamp uint32
	Headers   []byte // raw encoded header JSON
	Retry     byte
	AckMsgID  []byte // nil unless Retry == RetryAck
	Payload   []byte
}

// IsAck reports whether this frame is itself an acknowledgement.
func (f Frame) IsAck() bool {
	return f.Retry == RetryAck
}

// signedBytes reconstructs t || header || retry || ack_msg_id || payload,
// the exact byte string the frame's signature covers.
func signedBytes(timestamp uint32, headerJSON []byte, retry byte, ackMsgID, payload []byte) []byte {
	out := make([]byte, 0, 4+len(headerJSON)+1+len(ackMsgID)+len(payload))
	var tBuf [4]byte
	binary.BigEndian.PutUint32(tBuf[:], timestamp)
	out = append(out, tBuf[:]...)
	out = append(out, headerJSON...)
	out = append(out, retry)
	out = append(out, ackMsgID...)
	out = append(out, payload...)
	return out
}

// Encode builds and signs a frame. For an ack frame (retry == RetryAck),
// payload must be empty and ackMsgID must hold the signature being
// acknowledged.
func Encode(signer *crypto.PrivateKey, timestamp uint32, headers []Header, retry byte, ackMsgID, payload []byte) ([]byte, error) {
	headerJSON, err := EncodeHeaders(headers)
	if err != nil {
		return nil, err
	}
	if len(headerJSON) > 0xffff {
		return nil, fmt.Errorf("wire: header region too large: %d bytes", len(headerJSON))
	}
	if len(ackMsgID) != 0 && len(ackMsgID) != SignatureSize {
		return nil, fmt.Errorf("wire: ack_msg_id must be 0 or %d bytes", SignatureSize)
	}

	signed := signedBytes(timestamp, headerJSON, retry, ackMsgID, payload)
	sig := signer.Sign(signed)

	payloadRegionLen := 1 + len(ackMsgID) + len(payload)
	if payloadRegionLen > 0xffffff {
		return nil, fmt.Errorf("wire: payload region too large: %d bytes", payloadRegionLen)
	}

	out := make([]byte, 0, SignatureSize+4+2+3+len(headerJSON)+payloadRegionLen)
	out = append(out, sig...)
	var tBuf [4]byte
	binary.BigEndian.PutUint32(tBuf[:], timestamp)
	out = append(out, tBuf[:]...)

	var lenH [2]byte
	binary.BigEndian.PutUint16(lenH[:], uint16(len(headerJSON)))
	out = append(out, lenH[:]...)

	var lenPayload [3]byte
	putUint24(lenPayload[:], uint32(payloadRegionLen))
	out = append(out, lenPayload[:]...)

	out = append(out, headerJSON...)
	out = append(out, retry)
	out = append(out, ackMsgID...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses a frame off the wire without verifying its signature;
// callers must call Frame.Verify against the claimed sender's public key.
func Decode(raw []byte) (Frame, error) {
	const minLen = SignatureSize + 4 + 2 + 3
	if len(raw) < minLen {
		return Frame{}, fmt.Errorf("wire: frame shorter than fixed header (%d bytes)", len(raw))
	}

	sig := append([]byte(nil), raw[:SignatureSize]...)
	rest := raw[SignatureSize:]

	timestamp := binary.BigEndian.Uint32(rest[0:4])
	lenH := binary.BigEndian.Uint16(rest[4:6])
	lenPayloadRegion := getUint24(rest[6:9])

	body := rest[9:]
	if uint32(len(body)) < uint32(lenH)+lenPayloadRegion {
		return Frame{}, fmt.Errorf("wire: frame truncated: want %d header + %d payload region bytes, got %d", lenH, lenPayloadRegion, len(body))
	}

	headerJSON := body[:lenH]
	payloadRegion := body[lenH : uint32(lenH)+lenPayloadRegion]
	if len(payloadRegion) < 1 {
		return Frame{}, fmt.Errorf("wire: payload region missing retry byte")
	}
	retry := payloadRegion[0]
	rem := payloadRegion[1:]

	var ackMsgID []byte
	if retry == RetryAck {
		if len(rem) < SignatureSize {
			return Frame{}, fmt.Errorf("wire: ack frame missing ack_msg_id")
		}
		ackMsgID = rem[:SignatureSize]
		rem = rem[SignatureSize:]
	}

	return Frame{
		Signature: sig,
		Timestamp: timestamp,
		Headers:   append([]byte(nil), headerJSON...),
		Retry:     retry,
		AckMsgID:  append([]byte(nil), ackMsgID...),
		Payload:   append([]byte(nil), rem...),
	}, nil
}

// Verify checks f's signature against source's public key.
func (f Frame) Verify(source crypto.PublicKey) error {
	signed := signedBytes(f.Timestamp, f.Headers, f.Retry, f.AckMsgID, f.Payload)
	return source.Verify(signed, f.Signature)
}

// MessageID is the identifier a message is acknowledged by: its own
// signature for an original frame.
func (f Frame) MessageID() []byte {
	return f.Signature
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
