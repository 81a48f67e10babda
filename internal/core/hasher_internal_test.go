package core

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendString_LengthPrefixSurvivesLongValues(t *testing.T) {
	for _, n := range []int{0, 1, 255, 256, 300, 70000} {
		s := strings.Repeat("9", n)
		buf := appendString([]byte{0xAA}, s)

		length, width := binary.Uvarint(buf[1:])
		require.Greater(t, width, 0, "n=%d", n)
		assert.Equal(t, uint64(n), length, "n=%d", n)
		assert.Equal(t, s, string(buf[1+width:]), "n=%d", n)
	}
}
