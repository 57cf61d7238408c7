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

// Package docformat is the binary document serializer channel payloads
// are encoded with before compression and chunking (§6). It wraps
// go.mongodb.org/mongo-driver's BSON codec, the same typed,
// length-prefixed, self-describing document format the original
// implementation serializes application objects with.
package docformat

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Marshal encodes v (typically a map[string]any or a struct with bson
// tags) into a BSON document.
func Marshal(v any) ([]byte, error) {
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("docformat: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal decodes a BSON document produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	if err := bson.Unmarshal(data, v); err != nil {
		return fmt.Errorf("docformat: unmarshal: %w", err)
	}
	return nil
}

// UnmarshalDocument decodes data into a generic ordered document,
// useful when the caller doesn't know the application's schema ahead of
// time (e.g. a relay or logging tool inspecting traffic).
func UnmarshalDocument(data []byte) (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("docformat: unmarshal document: %w", err)
	}
	return doc, nil
}
