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
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/alwitt/ssecast/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestValidatorParams(t *testing.T) {
	assert := assert.New(t)

	_, err := GetValidator(Params{MaxSize: 0, MaxFieldLength: 1, MaxDepth: 1})
	assert.NotNil(err)
	_, err = GetValidator(Params{MaxSize: 1, MaxFieldLength: 1, MaxDepth: 1})
	assert.Nil(err)
}

func TestValidatorSizeBoundary(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	maxSize := 100
	uut, err := GetValidator(Params{MaxSize: maxSize, MaxFieldLength: 1000, MaxDepth: 8})
	assert.Nil(err)

	// {"a":"..."} has 8 bytes of framing
	exact := []byte(fmt.Sprintf(`{"a":"%s"}`, strings.Repeat("x", maxSize-8)))
	assert.Len(exact, maxSize)

	// Case 0: exactly the max is accepted
	result, err := uut.Validate(exact)
	assert.Nil(err)
	assert.Equal(0, result.Truncated)
	assert.JSONEq(string(exact), string(result.Data))

	// Case 1: one byte more is rejected
	over := []byte(fmt.Sprintf(`{"a":"%s"}`, strings.Repeat("x", maxSize-7)))
	assert.Len(over, maxSize+1)
	_, err = uut.Validate(over)
	assert.ErrorIs(err, common.ErrPayloadTooLarge)
	assert.Equal(common.CodePayloadTooLarge, common.CodeOf(err))
}

func TestValidatorMalformed(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetValidator(Params{MaxSize: 1024, MaxFieldLength: 100, MaxDepth: 4})
	assert.Nil(err)

	for _, raw := range []string{
		``,
		`{"a":`,
		`not json`,
		`"just a string"`,
		`42`,
		`null`,
		`{"a":1} {"b":2}`,
		`{"a":{"b":{"c":{"d":{}}}}}`,
	} {
		_, err := uut.Validate([]byte(raw))
		assert.ErrorIs(err, common.ErrMalformedPayload, raw)
	}

	// Nesting at the limit is fine
	_, err = uut.Validate([]byte(`{"a":{"b":{"c":1}}}`))
	assert.Nil(err)
	_, err = uut.Validate([]byte(`[1,2,3]`))
	assert.Nil(err)
}

func TestValidatorSanitize(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut, err := GetValidator(Params{MaxSize: 4096, MaxFieldLength: 10, MaxDepth: 8})
	assert.Nil(err)

	// Case 0: markup is escaped
	{
		result, err := uut.Validate([]byte(`{"headline":"<script>x</script>"}`))
		assert.Nil(err)
		var parsed map[string]string
		assert.Nil(json.Unmarshal(result.Data, &parsed))
		// truncated to 10 characters before escaping
		assert.Equal("&lt;script&gt;x&lt;", parsed["headline"])
		assert.Equal(1, result.Truncated)
	}

	// Case 1: quotes, ampersands, control characters
	{
		result, err := uut.Validate([]byte(`{"q":"a\"b'c&d","c":"x\u0000y\u001bz\n\tw"}`))
		assert.Nil(err)
		var parsed map[string]string
		assert.Nil(json.Unmarshal(result.Data, &parsed))
		assert.Equal("a&#34;b&#39;c&amp;d", parsed["q"])
		assert.Equal("xyz\n\tw", parsed["c"])
		assert.Equal(0, result.Truncated)
		assert.NotContains(string(result.Data), `<`)
	}

	// Case 2: nested values and keys, numbers preserved
	{
		result, err := uut.Validate(
			[]byte(`{"<k>":[{"n":12345678901234567890,"f":1.5,"b":true,"z":null,"s":"<b>"}]}`),
		)
		assert.Nil(err)
		assert.JSONEq(
			`{"&lt;k&gt;":[{"n":12345678901234567890,"f":1.5,"b":true,"z":null,"s":"&lt;b&gt;"}]}`,
			string(result.Data),
		)
	}

	// Case 3: truncation counts per field and respects multi-byte characters
	{
		result, err := uut.Validate([]byte(`{"a":"ééééééééééééé","b":"0123456789abc","c":"short"}`))
		assert.Nil(err)
		var parsed map[string]string
		assert.Nil(json.Unmarshal(result.Data, &parsed))
		assert.Equal("éééééééééé", parsed["a"])
		assert.Equal("0123456789", parsed["b"])
		assert.Equal("short", parsed["c"])
		assert.Equal(2, result.Truncated)
	}

	// Case 4: keys which collide once sanitized are rejected
	{
		_, err := uut.Validate([]byte(`{"role\u0007":"admin","role":"guest"}`))
		assert.ErrorIs(err, common.ErrMalformedPayload)
		_, err = uut.Validate([]byte(`{"nested":{"0123456789a":1,"0123456789b":2}}`))
		assert.ErrorIs(err, common.ErrMalformedPayload)
	}

	// Case 5: distinct keys which stay distinct are accepted
	{
		result, err := uut.Validate([]byte(`{"<":"x","&lt;":"y"}`))
		assert.Nil(err)
		assert.JSONEq(`{"&lt;":"x","&amp;lt;":"y"}`, string(result.Data))
	}
}

func TestEventTypeValidation(t *testing.T) {
	assert := assert.New(t)

	assert.Nil(ValidateEventType("message"))
	assert.Nil(ValidateEventType("order.updated-v2_1"))
	assert.ErrorIs(ValidateEventType(""), common.ErrMalformedPayload)
	assert.ErrorIs(ValidateEventType("two words"), common.ErrMalformedPayload)
	assert.ErrorIs(ValidateEventType("line\nbreak"), common.ErrMalformedPayload)
	assert.ErrorIs(ValidateEventType(strings.Repeat("e", 65)), common.ErrMalformedPayload)
}
