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
	"sync"
	"time"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// RecordType audit record type
type RecordType string

// Audit record types
const (
	ConnectionOpened   RecordType = "CONNECTION_OPENED"
	ConnectionClosed   RecordType = "CONNECTION_CLOSED"
	ConnectionRejected RecordType = "CONNECTION_REJECTED"
	AuthFailure        RecordType = "AUTH_FAILURE"
	Publish            RecordType = "PUBLISH"
	SecurityAlert      RecordType = "SECURITY_ALERT"
)

// Security alert names
const (
	AlertFrequentConnections = "FREQUENT_CONNECTIONS"
	AlertAuthFailureBurst    = "AUTH_FAILURE_BURST"
)

// Detail keys read by the heuristics
const (
	DetailSource = "source"
	DetailUserID = "user_id"
	DetailAlert  = "alert"
	DetailCount  = "count"
)

// Record one immutable audit entry
type Record struct {
	ID        string                 `json:"id"`
	Type      RecordType             `json:"type"`
	Details   map[string]interface{} `json:"details"`
	Timestamp time.Time              `json:"timestamp"`
}

// AlertHandler callback on a raised security alert
type AlertHandler func(alert Record)

// Logger append only security audit log
type Logger interface {
	// Log append a record, then run the anomaly heuristics over it
	Log(recordType RecordType, details map[string]interface{}) Record
	// Records copy of the retained records, oldest first
	Records() []Record
	// Alerts copy of the retained SECURITY_ALERT records, oldest first. Alerts are
	// retained apart from Records, up to MaxRecords of them.
	Alerts() []Record
}

// Params audit logger parameters
type Params struct {
	// MaxRecords ring buffer capacity
	MaxRecords int `validate:"gte=1"`
	// Window heuristic sliding window
	Window time.Duration `validate:"gt=0"`
	// FrequentConnectionThreshold connection events from one source within Window
	// above which FREQUENT_CONNECTIONS is raised
	FrequentConnectionThreshold int `validate:"gte=1"`
	// AuthFailureThreshold auth failures from one source within Window above which
	// AUTH_FAILURE_BURST is raised
	AuthFailureThreshold int `validate:"gte=1"`
	// OnAlert optional alert callback
	OnAlert AlertHandler `validate:"-"`
}

// sourceWindow recent event timestamps of one source for one heuristic
type sourceWindow struct {
	events []time.Time
	// alerted whether an alert was raised and not yet re-armed
	alerted bool
}

// recordRing fixed capacity record buffer which overwrites its oldest entry
type recordRing struct {
	entries []Record
	// next index to write
	next int
	// full whether the ring wrapped
	full bool
}

func newRecordRing(capacity int) recordRing {
	return recordRing{entries: make([]Record, capacity)}
}

func (r *recordRing) append(record Record) {
	r.entries[r.next] = record
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot copy out the entries in order
func (r *recordRing) snapshot() []Record {
	start, count := 0, r.next
	if r.full {
		start, count = r.next, len(r.entries)
	}
	result := make([]Record, 0, count)
	for itr := 0; itr < count; itr++ {
		record := r.entries[(start+itr)%len(r.entries)]
		record.Details = copyDetails(record.Details)
		result = append(result, record)
	}
	return result
}

// loggerImpl implements Logger
type loggerImpl struct {
	common.Component
	params  Params
	lock    sync.Mutex
	records recordRing
	// alerts also retained apart, so bursts of other records cannot evict them
	alerts recordRing
	// windows heuristic name -> source -> window
	windows     map[string]map[string]*sourceWindow
	currentTime func() time.Time
}

// GetLogger define a new audit Logger
func GetLogger(params Params) (Logger, error) {
	logTags := log.Fields{"module": "audit", "component": "security-audit"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid audit parameters %+v", params)
		return nil, err
	}
	return &loggerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		records:   newRecordRing(params.MaxRecords),
		alerts:    newRecordRing(params.MaxRecords),
		windows: map[string]map[string]*sourceWindow{
			AlertFrequentConnections: {},
			AlertAuthFailureBurst:    {},
		},
		currentTime: time.Now,
	}, nil
}

// copyDetails records are immutable, so never share detail maps with callers
func copyDetails(details map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(details))
	for k, v := range details {
		result[k] = v
	}
	return result
}

// Log append a record, then run the anomaly heuristics over it
func (l *loggerImpl) Log(recordType RecordType, details map[string]interface{}) Record {
	now := l.currentTime()
	record := Record{
		ID: uuid.NewString(), Type: recordType, Details: copyDetails(details), Timestamp: now,
	}

	var alerts []Record
	l.lock.Lock()
	l.records.append(record)
	switch recordType {
	case ConnectionOpened:
		if alert, raised := l.observe(
			AlertFrequentConnections, record, l.params.FrequentConnectionThreshold,
		); raised {
			alerts = append(alerts, alert)
		}
	case AuthFailure:
		if alert, raised := l.observe(
			AlertAuthFailureBurst, record, l.params.AuthFailureThreshold,
		); raised {
			alerts = append(alerts, alert)
		}
	}
	l.lock.Unlock()

	l.emit(record)
	for _, alert := range alerts {
		l.emit(alert)
		if l.params.OnAlert != nil {
			l.params.OnAlert(alert)
		}
	}
	return record
}

// recordSource identity a heuristic attributes an event to
func recordSource(record Record) string {
	if source, ok := record.Details[DetailSource].(string); ok && source != "" {
		return source
	}
	if userID, ok := record.Details[DetailUserID].(string); ok && userID != "" {
		return userID
	}
	return "unknown"
}

// observe count an event toward a heuristic, returning an alert if the threshold was
// crossed. Caller holds the lock.
func (l *loggerImpl) observe(heuristic string, record Record, threshold int) (Record, bool) {
	source := recordSource(record)
	cutoff := record.Timestamp.Add(-l.params.Window)
	l.pruneWindows(cutoff)
	perSource := l.windows[heuristic]
	window, ok := perSource[source]
	if !ok {
		window = &sourceWindow{}
		perSource[source] = window
	}
	idx := 0
	for idx < len(window.events) && !window.events[idx].After(cutoff) {
		idx++
	}
	window.events = append(window.events[idx:], record.Timestamp)

	if len(window.events) <= threshold {
		window.alerted = false
		return Record{}, false
	}
	if window.alerted {
		return Record{}, false
	}
	window.alerted = true
	alert := Record{
		ID:   uuid.NewString(),
		Type: SecurityAlert,
		Details: map[string]interface{}{
			DetailAlert:  heuristic,
			DetailSource: source,
			DetailCount:  len(window.events),
			"window":     l.params.Window.String(),
			"trigger_id": record.ID,
		},
		Timestamp: record.Timestamp,
	}
	l.records.append(alert)
	l.alerts.append(alert)
	return alert, true
}

// pruneWindows drop sources whose windows emptied. Caller holds the lock.
func (l *loggerImpl) pruneWindows(cutoff time.Time) {
	for _, perSource := range l.windows {
		for source, window := range perSource {
			if len(window.events) == 0 || !window.events[len(window.events)-1].After(cutoff) {
				delete(perSource, source)
			}
		}
	}
}

// emit forward a record to the application log
func (l *loggerImpl) emit(record Record) {
	fields := l.ExtendLogTags(log.Fields{
		"audit_id": record.ID, "audit_type": string(record.Type),
	})
	for k, v := range record.Details {
		fields[k] = v
	}
	if record.Type == SecurityAlert {
		log.WithFields(fields).Warn("Security alert")
	} else {
		log.WithFields(fields).Info("Audit event")
	}
}

// Records copy of the retained records, oldest first
func (l *loggerImpl) Records() []Record {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.records.snapshot()
}

// Alerts copy of the retained SECURITY_ALERT records, oldest first
func (l *loggerImpl) Alerts() []Record {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.alerts.snapshot()
}
