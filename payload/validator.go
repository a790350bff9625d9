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

package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

var eventTypePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidateEventType check an event type can be framed as an SSE event name
func ValidateEventType(eventType string) error {
	if !eventTypePattern.MatchString(eventType) {
		return common.NewError(
			common.CodeMalformedPayload, fmt.Sprintf("invalid event type '%s'", eventType), nil,
		)
	}
	return nil
}

// Sanitized payload which passed validation
type Sanitized struct {
	// Data is the sanitized JSON document
	Data json.RawMessage
	// Truncated is the number of string fields which were shortened
	Truncated int
}

// Validator validates and sanitizes outbound event payloads
type Validator interface {
	// Validate check the raw payload, and return the sanitized form
	Validate(raw []byte) (Sanitized, error)
}

// Params validator parameters
type Params struct {
	// MaxSize max serialized payload size in bytes, inclusive
	MaxSize int `validate:"gte=1"`
	// MaxFieldLength max characters per string field before truncation
	MaxFieldLength int `validate:"gte=1"`
	// MaxDepth max nesting depth of the document
	MaxDepth int `validate:"gte=1"`
}

// validatorImpl implements Validator
type validatorImpl struct {
	common.Component
	params Params
}

// GetValidator define a new payload Validator
func GetValidator(params Params) (Validator, error) {
	logTags := log.Fields{"module": "payload", "component": "validator"}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Invalid validator parameters %+v", params)
		return nil, err
	}
	return &validatorImpl{Component: common.Component{LogTags: logTags}, params: params}, nil
}

// Validate check the raw payload, and return the sanitized form
func (v *validatorImpl) Validate(raw []byte) (Sanitized, error) {
	if len(raw) > v.params.MaxSize {
		return Sanitized{}, common.NewError(
			common.CodePayloadTooLarge,
			fmt.Sprintf("%d bytes exceeds limit of %d", len(raw), v.params.MaxSize),
			nil,
		)
	}
	if !gjson.ValidBytes(raw) {
		return Sanitized{}, common.NewError(common.CodeMalformedPayload, "not valid JSON", nil)
	}
	if parsed := gjson.ParseBytes(raw); !parsed.IsObject() && !parsed.IsArray() {
		return Sanitized{}, common.NewError(
			common.CodeMalformedPayload, "payload must be a JSON object or array", nil,
		)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var document interface{}
	if err := decoder.Decode(&document); err != nil {
		return Sanitized{}, common.NewError(common.CodeMalformedPayload, "decode failed", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return Sanitized{}, common.NewError(
			common.CodeMalformedPayload, "trailing data after document", nil,
		)
	}

	walker := sanitizer{maxFieldLength: v.params.MaxFieldLength, maxDepth: v.params.MaxDepth}
	cleaned, err := walker.walk(document, 1)
	if err != nil {
		return Sanitized{}, err
	}

	buf := new(bytes.Buffer)
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(cleaned); err != nil {
		log.WithError(err).WithFields(v.LogTags).Error("Failed to encode sanitized payload")
		return Sanitized{}, common.NewError(common.CodeInternal, "encode failed", err)
	}
	if walker.truncated > 0 {
		log.WithFields(v.LogTags).Debugf("Truncated %d string fields", walker.truncated)
	}
	return Sanitized{
		Data: json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), Truncated: walker.truncated,
	}, nil
}

// sanitizer single use document walker
type sanitizer struct {
	maxFieldLength int
	maxDepth       int
	truncated      int
}

func (s *sanitizer) walk(node interface{}, depth int) (interface{}, error) {
	if depth > s.maxDepth {
		return nil, common.NewError(
			common.CodeMalformedPayload, fmt.Sprintf("nesting deeper than %d", s.maxDepth), nil,
		)
	}
	switch value := node.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(value))
		for key, entry := range value {
			cleaned, err := s.walk(entry, depth+1)
			if err != nil {
				return nil, err
			}
			cleanedKey := s.cleanString(key)
			if _, dup := result[cleanedKey]; dup {
				return nil, common.NewError(
					common.CodeMalformedPayload,
					fmt.Sprintf("object keys collide as %q once sanitized", cleanedKey), nil,
				)
			}
			result[cleanedKey] = cleaned
		}
		return result, nil
	case []interface{}:
		result := make([]interface{}, len(value))
		for idx, entry := range value {
			cleaned, err := s.walk(entry, depth+1)
			if err != nil {
				return nil, err
			}
			result[idx] = cleaned
		}
		return result, nil
	case string:
		return s.cleanString(value), nil
	default:
		// json.Number, bool, nil
		return value, nil
	}
}

// cleanString strip control characters, truncate, then escape markup characters
func (s *sanitizer) cleanString(value string) string {
	stripped := StripControlCharacters(value)
	if utf8.RuneCountInString(stripped) > s.maxFieldLength {
		stripped = string([]rune(stripped)[:s.maxFieldLength])
		s.truncated++
	}
	return html.EscapeString(stripped)
}

// StripControlCharacters remove control characters other than newline and tab
func StripControlCharacters(value string) string {
	if strings.IndexFunc(value, isStripped) < 0 {
		return value
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, value)
}

func isStripped(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t'
}
