package compensation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNeedsCompensation(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.NeedsCompensation("book_ride"))

	r.Register("book_ride", Entry{Tool: "cancel_ride"})
	assert.True(t, r.NeedsCompensation("book_ride"))
}

func TestGetCompensationUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	_, err := r.GetCompensation("book_ride")
	assert.Error(t, err)
}

func TestMapParametersUsesMapper(t *testing.T) {
	r := NewRegistry()
	r.Register("book_ride", Entry{
		Tool: "cancel_ride",
		Mapper: func(original, output map[string]any) map[string]any {
			return map[string]any{"rideId": output["rideId"]}
		},
	})

	params, err := r.MapParameters("book_ride", map[string]any{"from": "A"}, map[string]any{"rideId": "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", params["rideId"])
}

func TestMapParametersNilMapperReturnsEmpty(t *testing.T) {
	r := NewRegistry()
	r.Register("book_ride", Entry{Tool: "cancel_ride"})

	params, err := r.MapParameters("book_ride", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestDefaultRegistryKnowsSeedPairs(t *testing.T) {
	r := DefaultRegistry()

	for _, forward := range []string{"book_ride", "book_restaurant_table", "charge_payment"} {
		assert.True(t, r.NeedsCompensation(forward), "expected %s to have a compensation registered", forward)
	}

	entry, err := r.GetCompensation("book_ride")
	require.NoError(t, err)
	assert.Equal(t, "cancel_ride", entry.Tool)

	params, err := r.MapParameters("book_ride", nil, map[string]any{"rideId": "r-42"})
	require.NoError(t, err)
	assert.Equal(t, "r-42", params["rideId"])
}
