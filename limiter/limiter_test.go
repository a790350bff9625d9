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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testClock manually advanced clock
type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func defineTestLimiter(
	t *testing.T, params Params, ctxt context.Context, wg *sync.WaitGroup,
) (*connectionLimiterImpl, *testClock) {
	uut, err := GetConnectionLimiter(params, ctxt, wg)
	assert.Nil(t, err)
	clock := &testClock{now: time.Now()}
	impl := uut.(*connectionLimiterImpl)
	impl.currentTime = clock.Now
	return impl, clock
}

func TestLimiterParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := GetConnectionLimiter(Params{MaxConcurrent: 0, MaxAttempts: 1, Window: time.Second}, ctxt, &wg)
	assert.NotNil(err)
	_, err = GetConnectionLimiter(Params{MaxConcurrent: 1, MaxAttempts: 0, Window: time.Second}, ctxt, &wg)
	assert.NotNil(err)
	_, err = GetConnectionLimiter(Params{MaxConcurrent: 1, MaxAttempts: 1}, ctxt, &wg)
	assert.NotNil(err)
}

func TestLimiterConcurrentLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _ := defineTestLimiter(
		t, Params{MaxConcurrent: 5, MaxAttempts: 20, Window: time.Minute}, ctxt, &wg,
	)

	user := "user-a"

	// Case 0: admit up to the limit
	for itr := 0; itr < 5; itr++ {
		assert.True(uut.TryAdmit(user))
	}
	assert.Equal(5, uut.Active(user))

	// Case 1: 6th is rejected with no side effect
	assert.False(uut.TryAdmit(user))
	assert.Equal(5, uut.Active(user))
	assert.Len(uut.users[user].attempts, 5)

	// Case 2: other users are unaffected
	assert.True(uut.TryAdmit("user-b"))

	// Case 3: release one, then admit again
	uut.Release(user)
	assert.Equal(4, uut.Active(user))
	assert.True(uut.TryAdmit(user))
	assert.Equal(5, uut.Active(user))

	// Case 4: release never goes below zero
	for itr := 0; itr < 8; itr++ {
		uut.Release(user)
	}
	assert.Equal(0, uut.Active(user))
	uut.Release("unknown")
	assert.Equal(0, uut.Active("unknown"))
}

func TestLimiterAttemptWindow(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, clock := defineTestLimiter(
		t, Params{MaxConcurrent: 100, MaxAttempts: 3, Window: time.Minute}, ctxt, &wg,
	)
	user := "user-a"

	// Case 0: attempts are limited even when connections are released
	for itr := 0; itr < 3; itr++ {
		assert.True(uut.TryAdmit(user))
		uut.Release(user)
		clock.Advance(time.Second)
	}
	assert.False(uut.TryAdmit(user))

	// Case 1: the oldest attempt leaves the window
	clock.Advance(time.Minute - time.Second*3 + time.Millisecond*500)
	assert.True(uut.TryAdmit(user))
	assert.False(uut.TryAdmit(user))

	// Case 2: whole window expires
	clock.Advance(time.Minute * 2)
	assert.True(uut.TryAdmit(user))
}

func TestLimiterPrune(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, clock := defineTestLimiter(
		t, Params{MaxConcurrent: 2, MaxAttempts: 5, Window: time.Minute}, ctxt, &wg,
	)

	assert.True(uut.TryAdmit("idle"))
	uut.Release("idle")
	assert.True(uut.TryAdmit("active"))

	// Case 0: nothing expired yet
	assert.Equal(0, uut.Prune(clock.Now()))
	assert.Len(uut.users, 2)

	// Case 1: idle user dropped, active user kept
	clock.Advance(time.Minute * 2)
	assert.Equal(1, uut.Prune(clock.Now()))
	assert.Len(uut.users, 1)
	assert.Equal(1, uut.Active("active"))
	assert.Len(uut.users["active"].attempts, 0)

	// Case 2: background pruning
	uut.Release("active")
	assert.Nil(uut.StartPruning(time.Millisecond * 10))
	time.Sleep(time.Millisecond * 50)
	assert.Nil(uut.StopPruning())
	uut.lock.Lock()
	assert.Len(uut.users, 0)
	uut.lock.Unlock()
}

func TestLimiterConcurrentAdmission(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	maxConcurrent := 5
	uut, _ := defineTestLimiter(
		t, Params{MaxConcurrent: maxConcurrent, MaxAttempts: 10000, Window: time.Minute}, ctxt, &wg,
	)

	for userIdx := 0; userIdx < 4; userIdx++ {
		user := fmt.Sprintf("user-%d", userIdx)
		var admitted int32
		var peak int32
		var open int32
		workers := sync.WaitGroup{}
		for itr := 0; itr < 50; itr++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				for round := 0; round < 20; round++ {
					if uut.TryAdmit(user) {
						atomic.AddInt32(&admitted, 1)
						current := atomic.AddInt32(&open, 1)
						for {
							old := atomic.LoadInt32(&peak)
							if current <= old || atomic.CompareAndSwapInt32(&peak, old, current) {
								break
							}
						}
						assert.LessOrEqual(uut.Active(user), maxConcurrent)
						atomic.AddInt32(&open, -1)
						uut.Release(user)
					}
				}
			}()
		}
		workers.Wait()
		assert.Greater(atomic.LoadInt32(&admitted), int32(0))
		assert.LessOrEqual(atomic.LoadInt32(&peak), int32(maxConcurrent))
		assert.Equal(0, uut.Active(user))
	}
}
