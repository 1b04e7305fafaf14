package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeySetEach(t *testing.T) {
	s := NewKeySet(Comparators{0: BytewiseComparator, 3: BytewiseComparator})
	for _, k := range []struct {
		cf  uint32
		key string
	}{{3, "z"}, {0, "b"}, {3, "a"}, {0, "a"}} {
		_, err := s.Insert(k.cf, []byte(k.key))
		require.NoError(t, err)
	}

	var got []string
	s.Each(func(cf uint32, key []byte) bool {
		got = append(got, string(rune('0'+cf))+string(key))
		return true
	})
	assert.Equal(t, []string{"0a", "0b", "3a", "3z"}, got)

	n := 0
	s.Each(func(uint32, []byte) bool {
		n++
		return n < 2
	})
	assert.Equal(t, 2, n)
}
