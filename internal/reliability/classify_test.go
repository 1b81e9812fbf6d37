package reliability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	t.Run("unmarked errors default to transient", func(t *testing.T) {
		assert.False(t, IsPermanent(errors.New("socket hiccup")))
	})

	t.Run("nil is not permanent", func(t *testing.T) {
		assert.False(t, IsPermanent(nil))
		assert.Nil(t, Permanent(nil))
		assert.Nil(t, Transient(nil))
	})

	t.Run("Permanent marks an error", func(t *testing.T) {
		err := Permanent(errors.New("unknown payload type"))
		assert.True(t, IsPermanent(err))
	})

	t.Run("Transient marks an error", func(t *testing.T) {
		err := Transient(errors.New("timeout"))
		assert.False(t, IsPermanent(err))
	})

	t.Run("mark survives fmt.Errorf wrapping", func(t *testing.T) {
		err := fmt.Errorf("handling failed: %w", Permanent(errors.New("bad band")))
		assert.True(t, IsPermanent(err))
	})

	t.Run("outermost mark wins", func(t *testing.T) {
		err := Transient(Permanent(errors.New("disputed")))
		assert.False(t, IsPermanent(err))
	})

	t.Run("cause stays reachable through the mark", func(t *testing.T) {
		cause := errors.New("no such field")
		err := Permanent(cause)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, cause.Error(), err.Error())
	})
}
