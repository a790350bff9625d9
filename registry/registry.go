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

package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
)

var channelNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,128}$`)

// ValidateChannelName check a channel name is usable
func ValidateChannelName(channel string) error {
	if !channelNamePattern.MatchString(channel) {
		return fmt.Errorf("invalid channel name '%s'", channel)
	}
	return nil
}

// SubscriptionRegistry bidirectional mapping between channels and the connections
// subscribed to them
type SubscriptionRegistry interface {
	// Register record a live connection and its owning user
	Register(connID, userID string) error
	// Deregister remove a connection and every subscription it holds. Returns the
	// channels the connection was removed from, and whether it was registered.
	Deregister(connID string) ([]string, bool)
	// Subscribe subscribe a registered connection to a channel
	Subscribe(connID, userID, channel string) error
	// Unsubscribe remove one channel subscription of a connection
	Unsubscribe(connID, userID, channel string) error
	// Resolve connection IDs subscribed to a channel
	Resolve(channel string) []string
	// ResolveUser connection IDs owned by a user
	ResolveUser(userID string) []string
	// ResolveAll every registered connection ID
	ResolveAll() []string
	// ConnectionChannels channels a connection is subscribed to
	ConnectionChannels(connID string) []string
	// UserChannels channels any connection of a user is subscribed to
	UserChannels(userID string) []string
	// Channels every channel with at least one subscriber
	Channels() []string
}

// stringSet string set
type stringSet map[string]struct{}

func (s stringSet) list() []string {
	result := make([]string, 0, len(s))
	for entry := range s {
		result = append(result, entry)
	}
	sort.Strings(result)
	return result
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	lock sync.RWMutex
	// channelConns channel -> connection IDs
	channelConns map[string]stringSet
	// userChannels user -> channel -> number of the user's connections subscribed
	userChannels map[string]map[string]int
	// connChannels connection -> channels
	connChannels map[string]stringSet
	// userConns user -> connection IDs
	userConns map[string]stringSet
	// connOwner connection -> user
	connOwner map[string]string
}

// GetSubscriptionRegistry define a new in-memory SubscriptionRegistry
func GetSubscriptionRegistry() SubscriptionRegistry {
	return &subscriptionRegistryImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "registry", "component": "subscription-registry"},
		},
		channelConns: make(map[string]stringSet),
		userChannels: make(map[string]map[string]int),
		connChannels: make(map[string]stringSet),
		userConns:    make(map[string]stringSet),
		connOwner:    make(map[string]string),
	}
}

// Register record a live connection and its owning user
func (r *subscriptionRegistryImpl) Register(connID, userID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if owner, ok := r.connOwner[connID]; ok {
		return fmt.Errorf("connection %s already registered to %s", connID, owner)
	}
	r.connOwner[connID] = userID
	conns, ok := r.userConns[userID]
	if !ok {
		conns = stringSet{}
		r.userConns[userID] = conns
	}
	conns[connID] = struct{}{}
	return nil
}

// Deregister remove a connection and every subscription it holds
func (r *subscriptionRegistryImpl) Deregister(connID string) ([]string, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	userID, ok := r.connOwner[connID]
	if !ok {
		return nil, false
	}
	channels := r.connChannels[connID].list()
	for _, channel := range channels {
		r.removeSubscription(connID, userID, channel)
	}
	delete(r.connChannels, connID)
	delete(r.connOwner, connID)
	if conns, ok := r.userConns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.userConns, userID)
		}
	}
	log.WithFields(r.LogTags).Debugf("Deregistered %s from %d channels", connID, len(channels))
	return channels, true
}

// checkOwner verify a connection is registered to a user. Caller holds the lock.
func (r *subscriptionRegistryImpl) checkOwner(connID, userID string) error {
	owner, ok := r.connOwner[connID]
	if !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	if owner != userID {
		return fmt.Errorf("connection %s is not owned by %s", connID, userID)
	}
	return nil
}

// Subscribe subscribe a registered connection to a channel
func (r *subscriptionRegistryImpl) Subscribe(connID, userID, channel string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkOwner(connID, userID); err != nil {
		return err
	}
	connSubs, ok := r.connChannels[connID]
	if !ok {
		connSubs = stringSet{}
		r.connChannels[connID] = connSubs
	}
	if _, ok := connSubs[channel]; ok {
		return nil
	}
	connSubs[channel] = struct{}{}

	subscribers, ok := r.channelConns[channel]
	if !ok {
		subscribers = stringSet{}
		r.channelConns[channel] = subscribers
	}
	subscribers[connID] = struct{}{}

	userSubs, ok := r.userChannels[userID]
	if !ok {
		userSubs = make(map[string]int)
		r.userChannels[userID] = userSubs
	}
	userSubs[channel]++
	return nil
}

// Unsubscribe remove one channel subscription of a connection
func (r *subscriptionRegistryImpl) Unsubscribe(connID, userID, channel string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if err := r.checkOwner(connID, userID); err != nil {
		return err
	}
	connSubs, ok := r.connChannels[connID]
	if !ok {
		return nil
	}
	if _, ok := connSubs[channel]; !ok {
		return nil
	}
	r.removeSubscription(connID, userID, channel)
	if len(connSubs) == 0 {
		delete(r.connChannels, connID)
	}
	return nil
}

// removeSubscription drop one subscription, pruning emptied keys. Caller holds the lock.
func (r *subscriptionRegistryImpl) removeSubscription(connID, userID, channel string) {
	if connSubs, ok := r.connChannels[connID]; ok {
		delete(connSubs, channel)
	}
	if subscribers, ok := r.channelConns[channel]; ok {
		delete(subscribers, connID)
		if len(subscribers) == 0 {
			delete(r.channelConns, channel)
		}
	}
	if userSubs, ok := r.userChannels[userID]; ok {
		userSubs[channel]--
		if userSubs[channel] <= 0 {
			delete(userSubs, channel)
		}
		if len(userSubs) == 0 {
			delete(r.userChannels, userID)
		}
	}
}

// Resolve connection IDs subscribed to a channel
func (r *subscriptionRegistryImpl) Resolve(channel string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.channelConns[channel].list()
}

// ResolveUser connection IDs owned by a user
func (r *subscriptionRegistryImpl) ResolveUser(userID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.userConns[userID].list()
}

// ResolveAll every registered connection ID
func (r *subscriptionRegistryImpl) ResolveAll() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.connOwner))
	for connID := range r.connOwner {
		result = append(result, connID)
	}
	sort.Strings(result)
	return result
}

// ConnectionChannels channels a connection is subscribed to
func (r *subscriptionRegistryImpl) ConnectionChannels(connID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.connChannels[connID].list()
}

// UserChannels channels any connection of a user is subscribed to
func (r *subscriptionRegistryImpl) UserChannels(userID string) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.userChannels[userID]))
	for channel := range r.userChannels[userID] {
		result = append(result, channel)
	}
	sort.Strings(result)
	return result
}

// Channels every channel with at least one subscriber
func (r *subscriptionRegistryImpl) Channels() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.channelConns))
	for channel := range r.channelConns {
		result = append(result, channel)
	}
	sort.Strings(result)
	return result
}
