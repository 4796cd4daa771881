package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrArray(t *testing.T) {
	assert.Equal(t, "nil", ErrArray{}.Error())

	e := ErrArray{Errors: []error{
		fmt.Errorf("first"),
		fmt.Errorf("second"),
	}}
	assert.Equal(t, "2 errors occurred:\n\tfirst\n\tsecond", e.Error())
	assert.Equal(t, []string{"first", "second"}, e.ErrorList())
}
