package keys

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateShape(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)

	parts := strings.Split(key, "-")
	require.Len(t, parts, 5)
	assert.Equal(t, "PPA", parts[0])
	for _, group := range parts[1:] {
		assert.Len(t, group, 5)
		for _, ch := range group {
			assert.Contains(t, Alphabet, string(ch))
		}
	}
	assert.True(t, ValidFormat(key), "generated keys must pass wire validation")
}

func TestGenerateIsNotConstant(t *testing.T) {
	a, err := Generate()
	require.NoError(t, err)
	b, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("PPA-AAAAA-BBBBB-CCCCC-DDDDD"))
	assert.True(t, ValidFormat("legacy_key_1234"))
	assert.False(t, ValidFormat("short"))
	assert.False(t, ValidFormat("has spaces in it 12345"))
	assert.False(t, ValidFormat(strings.Repeat("x", 129)))
	assert.False(t, ValidFormat(""))
}

func TestGenerateUniqueRetriesOnCollision(t *testing.T) {
	var seen int
	key, err := GenerateUnique(func(string) (bool, error) {
		seen++
		return seen <= 3, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, key)
	assert.Equal(t, 4, seen)
}

func TestGenerateUniqueGivesUp(t *testing.T) {
	_, err := GenerateUnique(func(string) (bool, error) { return true, nil })
	assert.Error(t, err)
}

func TestGenerateUniqueAbortsOnCheckFailure(t *testing.T) {
	boom := errors.New("db down")
	_, err := GenerateUnique(func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}
