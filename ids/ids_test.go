package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestTimestampMillis asserts the embedded creation time of a freshly
// generated identifier tracks the wall clock.
func TestTimestampMillis(t *testing.T) {
	t.Parallel()

	before := uint64(time.Now().UnixMilli())
	id := MustNew()
	after := uint64(time.Now().UnixMilli())

	ms := TimestampMillis(id)
	require.GreaterOrEqual(t, ms, before)
	require.LessOrEqual(t, ms, after)
}

// TestTimestampMillisKnownValue checks extraction against a hand-built
// UUID with a known 48-bit timestamp prefix.
func TestTimestampMillisKnownValue(t *testing.T) {
	t.Parallel()

	var id uuid.UUID
	// 0x0000_0000_2710 = 10000 ms.
	id[4] = 0x27
	id[5] = 0x10

	require.EqualValues(t, 10000, TimestampMillis(id))
}

// TestNewIsTimeOrdered generates a batch of identifiers and verifies they
// already sort in creation order.
func TestNewIsTimeOrdered(t *testing.T) {
	t.Parallel()

	const numIDs = 64

	generated := make([]uuid.UUID, numIDs)
	for i := range generated {
		generated[i] = MustNew()

		// UUIDv7 millisecond resolution needs a nudge to guarantee
		// strictly increasing prefixes across the batch.
		time.Sleep(2 * time.Millisecond)
	}

	sorted := make([]uuid.UUID, numIDs)
	copy(sorted, generated)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	require.Equal(t, generated, sorted)
}

func TestParseRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Parse("not-a-uuid")
	require.Error(t, err)

	id := MustNew()
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}
