// Copyright 2022 The ssecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"encoding/json"
	"fmt"
)

// Target recipient selector of an outbound event. Implemented only by UserTarget,
// ChannelTarget and BroadcastTarget.
type Target interface {
	// Kind short name of the target type
	Kind() string
	fmt.Stringer
	isTarget()
}

// Target kinds
const (
	KindUser      = "user"
	KindChannel   = "channel"
	KindBroadcast = "broadcast"
)

// UserTarget every connection of one user
type UserTarget struct {
	UserID string
}

// Kind short name of the target type
func (UserTarget) Kind() string { return KindUser }

func (t UserTarget) String() string { return KindUser + ":" + t.UserID }

func (UserTarget) isTarget() {}

// ChannelTarget every connection subscribed to one channel
type ChannelTarget struct {
	Channel string
}

// Kind short name of the target type
func (ChannelTarget) Kind() string { return KindChannel }

func (t ChannelTarget) String() string { return KindChannel + ":" + t.Channel }

func (ChannelTarget) isTarget() {}

// BroadcastTarget every live connection
type BroadcastTarget struct{}

// Kind short name of the target type
func (BroadcastTarget) Kind() string { return KindBroadcast }

func (BroadcastTarget) String() string { return KindBroadcast }

func (BroadcastTarget) isTarget() {}

// ParseTarget build a Target from its kind and ID
func ParseTarget(kind, id string) (Target, error) {
	switch kind {
	case KindUser:
		return UserTarget{UserID: id}, nil
	case KindChannel:
		return ChannelTarget{Channel: id}, nil
	case KindBroadcast:
		return BroadcastTarget{}, nil
	}
	return nil, fmt.Errorf("unknown target kind '%s'", kind)
}

// OutboundEvent one event to publish
type OutboundEvent struct {
	Target Target
	// Type SSE event name
	Type string
	// Payload JSON object or array
	Payload json.RawMessage
	// Encrypt seal the payload per recipient
	Encrypt bool
}

// DeliveryReport outcome of one publish
type DeliveryReport struct {
	// Attempted number of resolved recipients
	Attempted int `json:"attempted"`
	// Delivered number of successful writes
	Delivered int `json:"delivered"`
	// Failed number of failed writes. Each failed recipient was closed.
	Failed int `json:"failed"`
	// Plaintext deliveries sent unencrypted although encryption was requested
	Plaintext int `json:"plaintext"`
	// Truncated string fields shortened by sanitization
	Truncated int `json:"truncated"`
	// Err set only when the event itself was rejected
	Err error `json:"-"`
}

// ConnectRequest a client's request to open an event stream
type ConnectRequest struct {
	// Token bearer token. May be empty for anonymous access.
	Token string
	// Origin the request Origin header
	Origin string
	// RemoteAddr client address
	RemoteAddr string
	// Channels channels to subscribe to on open
	Channels []string
}

// frame body of a delivered event
type frame struct {
	Encrypted bool        `json:"encrypted"`
	Data      interface{} `json:"data"`
}

// connectedGreeting body of the first frame of a stream
type connectedGreeting struct {
	ConnectionID string   `json:"connection_id"`
	Channels     []string `json:"channels"`
}
