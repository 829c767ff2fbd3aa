package rowkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSingleColumn(t *testing.T) {
	require.Equal(t, []byte("7"), Build("7"))
}

func TestBuildCompositeIsSeparated(t *testing.T) {
	key := Build("7", "us-east")
	assert.Equal(t, []byte{'7', 0x00, 'u', 's', '-', 'e', 'a', 's', 't'}, key)
}

func TestBuildCompositeDoesNotCollideAcrossBoundary(t *testing.T) {
	a := Build("7", "9")
	b := Build("79")
	assert.NotEqual(t, a, b)
}

func TestWithDeltaPrefix(t *testing.T) {
	key := WithDeltaPrefix("20260731", Build("7"))
	assert.Equal(t, "20260731\x007", string(key))
}

func TestDeltaTableName(t *testing.T) {
	assert.Equal(t, "orders_20260731", DeltaTableName("orders", "20260731"))
}

func TestDayFromMicros(t *testing.T) {
	// 2026-07-31T00:00:00Z in epoch microseconds.
	const day2026_07_31 = 1785456000000000
	assert.Equal(t, "20260731", DayFromMicros(day2026_07_31))
}
