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

// Package relaymesh is a capability-secured, end-to-end encrypted message
// transport between peer sessions communicating through untrusted relay
// brokers.
//
// A Session (package session) holds a long-lived Ed25519 identity, a set
// of Channels (package channel) each with its own ephemeral key pair and
// inbox, and one Connection (package connection) per broker it is linked
// to. Remote peers address a channel through a Route (package route)
// whose token chain (package token) proves, offline, that the bearer was
// delegated the right to reach it. Payloads are BSON-encoded (package
// docformat), zlib-compressed, chunked, and AES-GCM encrypted under an
// X25519 agreement between the two channel keys before they ever reach a
// broker; the broker sees routes and timestamps, never plaintext.
//
// The subpackages compose bottom-up: crypto and wire know nothing of
// sessions; token and route know nothing of transports; transport knows
// nothing of the frame format it carries.
package relaymesh
