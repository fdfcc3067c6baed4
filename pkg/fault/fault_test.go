package fault

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryError(t *testing.T) {

	f := NewRetryError("boom", false)
	assert.Equal(t, NameRetry, f.Name())
	assert.True(t, f.Retryable())
	out, err := json.Marshal(f)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"name":"RetryError","message":"boom"}`, string(out))

	f = NewRetryError("boom", true)
	assert.Equal(t, "Drop & RetryError", f.Name())
	assert.True(t, IsDropRetry(f))

	status := 503
	f = NewRetryErrorFrom(Details{Message: "upstream down", Status: &status, Response: map[string]any{"code": "X1"}}, false)
	out, err = json.Marshal(f)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"name":"RetryError","message":"upstream down","status":503,"response":{"code":"X1"}}`, string(out))
	assert.False(t, IsDropRetry(f))
}

func TestHTTPErrorTruncation(t *testing.T) {

	long := strings.Repeat("a", 2000)
	f := NewHTTPError("bad gateway", 502, long)
	assert.Len(t, f.Response, 1003)
	assert.True(t, strings.HasSuffix(f.Response, "..."))
	assert.True(t, f.Retryable())

	short := NewHTTPError("nope", 404, "not found")
	assert.Equal(t, "not found", short.Response)

	// Truncation also applies to literals constructed without the constructor
	lit := &HTTPError{Message: "m", Status: 500, Response: long}
	w, err := ToWire(lit)
	require.NoError(t, err)
	var resp string
	assert.NoError(t, json.Unmarshal(w.Response, &resp))
	assert.Len(t, resp, 1003)
	assert.Equal(t, 500, *w.Status)

	// Character based, not byte based
	multi := strings.Repeat("ö", 1001)
	assert.Equal(t, 1003, len([]rune(Truncate(multi))))
	assert.Equal(t, strings.Repeat("ö", 1000), Truncate(strings.Repeat("ö", 1000)))
}

func TestNonRetryableFaults(t *testing.T) {

	faults := []Fault{
		&Generic{Message: "x"},
		NewParseFault("x"),
		NewUnknownCommandFault("x"),
		NewCompileFault("x", 1, 2),
		&RuntimeFault{Message: "x"},
		&SecurityFault{Message: "x"},
		&TimeoutFault{Message: "x"},
	}
	for _, f := range faults {
		assert.False(t, f.Retryable(), f.Name())
		assert.False(t, IsRetryable(f), f.Name())
	}
	assert.Equal(t, "unsupported command: x", NewUnknownCommandFault("x").Error())
	assert.Equal(t, "compile error at 1:2: x", NewCompileFault("x", 1, 2).Error())
}

func TestWrap(t *testing.T) {

	assert.Nil(t, Wrap(nil))

	f := Wrap(errors.New("plain"))
	assert.Equal(t, NameGeneric, f.Name())
	assert.Equal(t, "plain", f.Error())

	retry := NewRetryError("again", false)
	wrapped := fmt.Errorf("step 2: %w", retry)
	assert.Same(t, retry, Wrap(wrapped))
	assert.True(t, IsRetryable(wrapped))
}

func TestDecode(t *testing.T) {

	tcs := []Fault{
		NewRetryError("r", false),
		NewRetryError("r", true),
		NewHTTPError("h", 429, "slow down"),
		&Generic{Message: "g"},
		NewParseFault("p"),
		NewUnknownCommandFault("frobnicate"),
		NewCompileFault("c", 3, 4),
		&RuntimeFault{Message: "rt"},
		&SecurityFault{Message: "s"},
		&TimeoutFault{Message: "t"},
	}

	for _, tc := range tcs {
		w, err := ToWire(tc)
		require.NoError(t, err)
		decoded := Decode(*w)
		assert.Equal(t, tc.Name(), decoded.Name())
		assert.Equal(t, tc.Error(), decoded.Error())
	}

	unknown := Decode(Wire{Name: "TypeError", Message: "x is not a function"})
	assert.Equal(t, NameGeneric, unknown.Name())
	assert.Equal(t, "x is not a function", unknown.Error())
}
