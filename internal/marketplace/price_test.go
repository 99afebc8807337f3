package marketplace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCentsConversions(t *testing.T) {
	assert.Equal(t, 12.34, CentsToAmount(1234))
	assert.Equal(t, 0.0, CentsToAmount(0))

	v, err := ParseCents("1999")
	require.NoError(t, err)
	assert.Equal(t, 19.99, v)

	_, err = ParseCents("12a")
	assert.Error(t, err)

	assert.Equal(t, int64(1999), AmountToCents(19.99))
	assert.Equal(t, int64(10), AmountToCents(0.1))
	assert.Equal(t, "7050", FormatCents(70.5))
}
