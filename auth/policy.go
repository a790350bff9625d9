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

package auth

import (
	"net"
	"sort"
	"strings"
)

// Permission names
const (
	// PermissionPublish allows the admin publish endpoint
	PermissionPublish = "publish"
	// PermissionAllChannels allows subscribing to any channel
	PermissionAllChannels = "channel:*"

	channelPermissionPrefix = "channel:"
	anonymousPrefix         = "anon:"
)

// ChannelPermission permission granting one channel
func ChannelPermission(channel string) string {
	return channelPermissionPrefix + channel
}

// AnonymousIdentity identity of a token-less caller, keyed by its IP
func AnonymousIdentity(remoteAddr string) Identity {
	host := remoteAddr
	if parsed, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = parsed
	}
	return Identity{UserID: anonymousPrefix + host, Anonymous: true}
}

// MergePermissions union of permission sets, sorted
func MergePermissions(sets ...[]string) []string {
	merged := map[string]struct{}{}
	for _, set := range sets {
		for _, permission := range set {
			if permission = strings.TrimSpace(permission); permission != "" {
				merged[permission] = struct{}{}
			}
		}
	}
	result := make([]string, 0, len(merged))
	for permission := range merged {
		result = append(result, permission)
	}
	sort.Strings(result)
	return result
}

// HasPermission whether a permission set contains a permission
func HasPermission(permissions []string, permission string) bool {
	for _, held := range permissions {
		if held == permission {
			return true
		}
	}
	return false
}

// Policy channel and origin access policy
type Policy struct {
	publicChannels map[string]struct{}
	allowedOrigins map[string]struct{}
	allowAnonymous bool
}

// NewPolicy define an access policy
func NewPolicy(publicChannels, allowedOrigins []string, allowAnonymous bool) Policy {
	policy := Policy{
		publicChannels: map[string]struct{}{},
		allowedOrigins: map[string]struct{}{},
		allowAnonymous: allowAnonymous,
	}
	for _, channel := range publicChannels {
		policy.publicChannels[channel] = struct{}{}
	}
	for _, origin := range allowedOrigins {
		policy.allowedOrigins[origin] = struct{}{}
	}
	return policy
}

// OriginAllowed exact match against the allow list. An empty list allows all.
func (p Policy) OriginAllowed(origin string) bool {
	if len(p.allowedOrigins) == 0 {
		return true
	}
	_, ok := p.allowedOrigins[origin]
	return ok
}

// AllowAnonymous whether token-less callers may read public channels
func (p Policy) AllowAnonymous() bool {
	return p.allowAnonymous
}

// IsPublic whether a channel is readable by anyone
func (p Policy) IsPublic(channel string) bool {
	_, ok := p.publicChannels[channel]
	return ok
}

// ChannelAllowed whether an identity may subscribe to a channel
func (p Policy) ChannelAllowed(identity Identity, channel string) bool {
	if p.IsPublic(channel) {
		return true
	}
	if identity.Anonymous {
		return false
	}
	return HasPermission(identity.Permissions, PermissionAllChannels) ||
		HasPermission(identity.Permissions, ChannelPermission(channel))
}
