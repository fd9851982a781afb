package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckDetectsFalsePartial(t *testing.T) {
	err := Check(206, false, "bytes 15592-15592/2624292")
	require.NotNil(t, err)
	assert.Equal(t, 206, err.Status)
	assert.Equal(t, int64(1), err.Received)
	assert.Equal(t, int64(2624292), err.Declared)
}

func TestCheckAcceptsFullFileSlice(t *testing.T) {
	assert.Nil(t, Check(206, false, "bytes 0-2624291/2624292"))
}

func TestCheckIgnoresRangedRequests(t *testing.T) {
	// the caller asked for a range, so a short 206 is legitimate
	assert.Nil(t, Check(206, true, "bytes 15592-15592/2624292"))
}

func TestCheckIgnoresNon206(t *testing.T) {
	assert.Nil(t, Check(200, false, "bytes 0-99/1000"))
	assert.Nil(t, Check(404, false, ""))
}

func TestCheckIgnoresMissingOrUnparseableContentRange(t *testing.T) {
	assert.Nil(t, Check(206, false, ""))
	assert.Nil(t, Check(206, false, "chunks 0-99/1000"))
	assert.Nil(t, Check(206, false, "bytes garbage"))
}

func TestCheckIgnoresUnknownTotal(t *testing.T) {
	assert.Nil(t, Check(206, false, "bytes 0-99/*"))
}

func TestCheckIgnoresInvertedRange(t *testing.T) {
	assert.Nil(t, Check(206, false, "bytes 100-50/1000"))
}

func TestCheckErrorMessage(t *testing.T) {
	err := Check(206, false, "bytes 0-99/1000")
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "false partial content")
	assert.Contains(t, err.Error(), "1000")
}
