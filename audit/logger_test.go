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

package audit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

func defineTestLogger(t *testing.T, params Params) (*loggerImpl, *testClock) {
	uut, err := GetLogger(params)
	assert.Nil(t, err)
	clock := &testClock{now: time.Now()}
	impl := uut.(*loggerImpl)
	impl.currentTime = clock.Now
	return impl, clock
}

func TestAuditLoggerParams(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	_, err := GetLogger(Params{})
	assert.NotNil(err)

	_, err = GetLogger(Params{
		MaxRecords: 10, Window: time.Minute, FrequentConnectionThreshold: 2,
		AuthFailureThreshold: 0,
	})
	assert.NotNil(err)

	_, err = GetLogger(Params{
		MaxRecords: 10, Window: time.Minute, FrequentConnectionThreshold: 2,
		AuthFailureThreshold: 2,
	})
	assert.Nil(err)
}

func TestAuditLoggerRingBuffer(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, _ := defineTestLogger(t, Params{
		MaxRecords: 3, Window: time.Minute, FrequentConnectionThreshold: 100,
		AuthFailureThreshold: 100,
	})

	// Case 0: empty log
	assert.Empty(uut.Records())
	assert.Empty(uut.Alerts())

	// Case 1: below capacity
	for itr := 0; itr < 2; itr++ {
		uut.Log(Publish, map[string]interface{}{"seq": itr})
	}
	records := uut.Records()
	assert.Len(records, 2)
	assert.Equal(0, records[0].Details["seq"])
	assert.Equal(1, records[1].Details["seq"])

	// Case 2: wrap around evicts the oldest
	for itr := 2; itr < 5; itr++ {
		uut.Log(Publish, map[string]interface{}{"seq": itr})
	}
	records = uut.Records()
	assert.Len(records, 3)
	for idx, record := range records {
		assert.Equal(idx+2, record.Details["seq"])
		assert.Equal(Publish, record.Type)
		assert.NotEmpty(record.ID)
	}

	// Case 3: records can not be changed through returned copies
	records[0].Details["seq"] = "changed"
	assert.Equal(2, uut.Records()[0].Details["seq"])

	// Case 4: records can not be changed through the caller's detail map
	details := map[string]interface{}{"seq": 5}
	uut.Log(Publish, details)
	details["seq"] = "changed"
	records = uut.Records()
	assert.Equal(5, records[len(records)-1].Details["seq"])
}

func TestAuditLoggerFrequentConnections(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	raised := []Record{}
	uut, clock := defineTestLogger(t, Params{
		MaxRecords: 100, Window: time.Minute, FrequentConnectionThreshold: 3,
		AuthFailureThreshold: 100,
		OnAlert: func(alert Record) { raised = append(raised, alert) },
	})

	// Case 0: at the threshold no alert
	for itr := 0; itr < 3; itr++ {
		uut.Log(ConnectionOpened, map[string]interface{}{DetailSource: "10.0.0.1"})
		clock.advance(time.Second)
	}
	assert.Empty(uut.Alerts())

	// Case 1: exceeding the threshold raises one alert
	uut.Log(ConnectionOpened, map[string]interface{}{DetailSource: "10.0.0.1"})
	alerts := uut.Alerts()
	assert.Len(alerts, 1)
	assert.Equal(SecurityAlert, alerts[0].Type)
	assert.Equal(AlertFrequentConnections, alerts[0].Details[DetailAlert])
	assert.Equal("10.0.0.1", alerts[0].Details[DetailSource])
	assert.Equal(4, alerts[0].Details[DetailCount])
	assert.Len(raised, 1)

	// Case 2: further events in the same window do not raise again
	uut.Log(ConnectionOpened, map[string]interface{}{DetailSource: "10.0.0.1"})
	assert.Len(uut.Alerts(), 1)

	// Case 3: another source is tracked separately
	for itr := 0; itr < 3; itr++ {
		uut.Log(ConnectionOpened, map[string]interface{}{DetailSource: "10.0.0.2"})
	}
	assert.Len(uut.Alerts(), 1)

	// Case 4: after the window passes the heuristic re-arms
	clock.advance(time.Minute * 2)
	for itr := 0; itr < 4; itr++ {
		uut.Log(ConnectionOpened, map[string]interface{}{DetailSource: "10.0.0.1"})
	}
	assert.Len(uut.Alerts(), 2)
	assert.Len(raised, 2)

	// Case 5: alerts are also in the full record list
	count := 0
	for _, record := range uut.Records() {
		if record.Type == SecurityAlert {
			count++
		}
	}
	assert.Equal(2, count)
}

func TestAuditLoggerAlertRetention(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, _ := defineTestLogger(t, Params{
		MaxRecords: 5, Window: time.Minute, FrequentConnectionThreshold: 100,
		AuthFailureThreshold: 1,
	})

	uut.Log(AuthFailure, map[string]interface{}{DetailUserID: "mallory"})
	uut.Log(AuthFailure, map[string]interface{}{DetailUserID: "mallory"})
	assert.Len(uut.Alerts(), 1)

	// Case 0: a publish burst evicts the alert from the record list only
	for itr := 0; itr < 50; itr++ {
		uut.Log(Publish, map[string]interface{}{"seq": itr})
	}
	for _, record := range uut.Records() {
		assert.Equal(Publish, record.Type)
	}
	alerts := uut.Alerts()
	assert.Len(alerts, 1)
	assert.Equal(AlertAuthFailureBurst, alerts[0].Details[DetailAlert])
	assert.Equal("mallory", alerts[0].Details[DetailSource])

	// Case 1: alerts are bounded by their own capacity
	for itr := 0; itr < 10; itr++ {
		uut.Log(AuthFailure, map[string]interface{}{DetailUserID: fmt.Sprintf("user-%d", itr)})
		uut.Log(AuthFailure, map[string]interface{}{DetailUserID: fmt.Sprintf("user-%d", itr)})
	}
	alerts = uut.Alerts()
	assert.Len(alerts, 5)
	assert.Equal("user-5", alerts[0].Details[DetailSource])
	assert.Equal("user-9", alerts[4].Details[DetailSource])
}

func TestAuditLoggerAuthFailureBurst(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, clock := defineTestLogger(t, Params{
		MaxRecords: 100, Window: time.Minute, FrequentConnectionThreshold: 100,
		AuthFailureThreshold: 2,
	})

	// Case 0: failures spread beyond the window never alert
	for itr := 0; itr < 6; itr++ {
		uut.Log(AuthFailure, map[string]interface{}{DetailUserID: "alice"})
		clock.advance(time.Second * 31)
	}
	assert.Empty(uut.Alerts())

	// Case 1: a burst attributed by user ID when no source is given
	for itr := 0; itr < 3; itr++ {
		uut.Log(AuthFailure, map[string]interface{}{DetailUserID: "bob"})
	}
	alerts := uut.Alerts()
	assert.Len(alerts, 1)
	assert.Equal(AlertAuthFailureBurst, alerts[0].Details[DetailAlert])
	assert.Equal("bob", alerts[0].Details[DetailSource])

	// Case 2: other record types never feed the heuristic
	for itr := 0; itr < 10; itr++ {
		uut.Log(ConnectionRejected, map[string]interface{}{DetailUserID: "carol"})
	}
	assert.Len(uut.Alerts(), 1)
}

func TestAuditLoggerConcurrentUse(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	uut, err := GetLogger(Params{
		MaxRecords: 50, Window: time.Minute, FrequentConnectionThreshold: 1000,
		AuthFailureThreshold: 1000,
	})
	assert.Nil(err)

	wg := sync.WaitGroup{}
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for itr := 0; itr < 100; itr++ {
				uut.Log(ConnectionOpened, map[string]interface{}{
					DetailSource: fmt.Sprintf("worker-%d", id),
				})
				_ = uut.Records()
			}
		}(worker)
	}
	wg.Wait()
	assert.Len(uut.Records(), 50)
}
