package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrapf(original, "delete descriptor %d", 7)

	assert.Equal(t, "delete descriptor 7: original", wrapped.Error())
	assert.True(t, Is(wrapped, original))
	assert.Nil(t, Wrap(nil, "context"))
}

type customError struct {
	msg string
}

func (e *customError) Error() string {
	return e.msg
}

func TestAs(t *testing.T) {
	wrapped := Wrap(&customError{msg: "custom"}, "wrapped")

	var target *customError
	require.True(t, As(wrapped, &target))
	assert.Equal(t, "custom", target.msg)
}

func TestSentinels(t *testing.T) {
	t.Run("not found is marked, message kept", func(t *testing.T) {
		err := NewNotFoundError("job descriptor %d", 3)
		assert.Equal(t, "job descriptor 3", err.Error())
		assert.True(t, IsNotFoundError(err))
		assert.True(t, IsNotFoundError(Wrap(err, "load")))
		assert.False(t, IsConflictError(err))
	})

	t.Run("conflict", func(t *testing.T) {
		err := NewConflictError("job %q already exists", "J1")
		assert.True(t, IsConflictError(err))
		assert.Contains(t, err.Error(), `"J1"`)
	})

	t.Run("invalid request", func(t *testing.T) {
		err := NewInvalidRequestError("job name is empty")
		assert.True(t, Is(err, ErrInvalidRequest))
	})

	t.Run("nil is never a sentinel", func(t *testing.T) {
		assert.False(t, IsNotFoundError(nil))
		assert.False(t, IsConflictError(nil))
	})
}

func TestSecondaryError(t *testing.T) {
	primary := New("job failed")
	secondary := New("failure log write failed")

	err := WithSecondaryError(primary, secondary)
	assert.Equal(t, "job failed", err.Error())
	assert.True(t, Is(err, primary))

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "failure log write failed")
}

func TestStackTrace(t *testing.T) {
	err := New("with stack")

	detailed := fmt.Sprintf("%+v", err)
	assert.Contains(t, detailed, "errors_test.go")
	assert.NotNil(t, GetStack(err))
}

func TestDetails(t *testing.T) {
	err := WithDetailf(New("bookkeeping"), "tenant=%s", "acme")
	err = WithHint(err, "check the incident log")

	assert.Contains(t, GetAllDetails(err), "tenant=acme")
	assert.Contains(t, GetAllHints(err), "check the incident log")
}

func ExampleWrap() {
	baseErr := New("database is locked")
	err := Wrap(baseErr, "record failure")
	fmt.Println(err)
	// Output: record failure: database is locked
}
