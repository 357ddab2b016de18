package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetLogger(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	var got []string
	SetLogger(func(format string, v ...interface{}) {
		got = append(got, fmt.Sprintf(format, v...))
	})
	Logf("cycle %d", 7)
	assert.Equal(t, []string{"cycle 7"}, got)

	SetLogger(nil)
	Logf("dropped")
	assert.Len(t, got, 1)
}

func TestPrefixedFollowsSetLogger(t *testing.T) {
	orig := Logf
	defer func() { Logf = orig }()

	logf := Prefixed("[tracker] ")

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	logf("reset after %d cycles", 3)
	assert.Equal(t, "[tracker] reset after 3 cycles", got)
}
