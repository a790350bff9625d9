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

package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ConnectionLimiter enforces per user concurrent connection and connection attempt limits
type ConnectionLimiter interface {
	// TryAdmit decide whether a new connection for a user may be opened. On success the
	// concurrent counter is incremented and the attempt is recorded; on failure nothing
	// changes.
	TryAdmit(userID string) bool
	// Release give back one concurrent connection slot of a user. Never goes below zero.
	Release(userID string)
	// Active number of currently admitted connections of a user
	Active(userID string) int
	// Prune drop expired attempt timestamps, and forget users with nothing left to track.
	// Returns the number of users forgotten.
	Prune(now time.Time) int
	// StartPruning start the background pruning loop
	StartPruning(interval time.Duration) error
	// StopPruning stop the background pruning loop
	StopPruning() error
}

// Params limiter parameters
type Params struct {
	// MaxConcurrent max concurrently open connections per user
	MaxConcurrent int `validate:"gte=1"`
	// MaxAttempts max admitted attempts per user within Window
	MaxAttempts int `validate:"gte=1"`
	// Window the attempt sliding window
	Window time.Duration `validate:"gt=0"`
}

// userRecord admission state of one user
type userRecord struct {
	concurrent int
	// attempts timestamps of admitted attempts, oldest first
	attempts []time.Time
}

// connectionLimiterImpl implements ConnectionLimiter
type connectionLimiterImpl struct {
	common.Component
	params Params
	lock   sync.Mutex
	users  map[string]*userRecord
	pruner common.IntervalTimer
	// currentTime override for testing
	currentTime func() time.Time
}

// GetConnectionLimiter define a new ConnectionLimiter
func GetConnectionLimiter(
	params Params, rootCtxt context.Context, wg *sync.WaitGroup,
) (ConnectionLimiter, error) {
	logTags := log.Fields{
		"module": "limiter", "component": "connection-limiter",
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid limiter parameters %+v", params)
		return nil, err
	}
	pruner, err := common.GetIntervalTimerInstance("limiter-pruner", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define pruning timer")
		return nil, err
	}
	return &connectionLimiterImpl{
		Component:   common.Component{LogTags: logTags},
		params:      params,
		users:       make(map[string]*userRecord),
		pruner:      pruner,
		currentTime: time.Now,
	}, nil
}

// trimWindow drop attempts at or before the cutoff. Attempts are kept in time order.
func trimWindow(attempts []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(attempts) && !attempts[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return attempts
	}
	remaining := make([]time.Time, len(attempts)-idx)
	copy(remaining, attempts[idx:])
	return remaining
}

// TryAdmit decide whether a new connection for a user may be opened
func (l *connectionLimiterImpl) TryAdmit(userID string) bool {
	now := l.currentTime()
	l.lock.Lock()
	defer l.lock.Unlock()
	record, ok := l.users[userID]
	if !ok {
		record = &userRecord{}
		l.users[userID] = record
	}
	record.attempts = trimWindow(record.attempts, now.Add(-l.params.Window))
	if record.concurrent >= l.params.MaxConcurrent {
		log.WithFields(l.LogTags).Debugf(
			"Reject %s: %d concurrent connections", userID, record.concurrent,
		)
		return false
	}
	if len(record.attempts) >= l.params.MaxAttempts {
		log.WithFields(l.LogTags).Debugf(
			"Reject %s: %d attempts within %s", userID, len(record.attempts), l.params.Window,
		)
		return false
	}
	record.concurrent++
	record.attempts = append(record.attempts, now)
	return true
}

// Release give back one concurrent connection slot of a user
func (l *connectionLimiterImpl) Release(userID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	record, ok := l.users[userID]
	if !ok || record.concurrent == 0 {
		log.WithFields(l.LogTags).Warnf("Release for %s with no admitted connections", userID)
		return
	}
	record.concurrent--
}

// Active number of currently admitted connections of a user
func (l *connectionLimiterImpl) Active(userID string) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	if record, ok := l.users[userID]; ok {
		return record.concurrent
	}
	return 0
}

// Prune drop expired attempt timestamps, and forget idle users
func (l *connectionLimiterImpl) Prune(now time.Time) int {
	cutoff := now.Add(-l.params.Window)
	l.lock.Lock()
	defer l.lock.Unlock()
	removed := 0
	for userID, record := range l.users {
		record.attempts = trimWindow(record.attempts, cutoff)
		if record.concurrent == 0 && len(record.attempts) == 0 {
			delete(l.users, userID)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(l.LogTags).Debugf("Pruned %d idle users", removed)
	}
	return removed
}

// StartPruning start the background pruning loop
func (l *connectionLimiterImpl) StartPruning(interval time.Duration) error {
	return l.pruner.Start(interval, func() error {
		_ = l.Prune(l.currentTime())
		return nil
	}, false)
}

// StopPruning stop the background pruning loop
func (l *connectionLimiterImpl) StopPruning() error {
	return l.pruner.Stop()
}
