package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tubestatus/tubestatus/internal/status"
)

func sampleSnapshot() status.Snapshot {
	return status.Snapshot{
		Lines:     []status.Line{{ID: "district", Name: "District", Status: "Good Service"}},
		QueriedAt: time.Now().Truncate(time.Second),
		QueriedBy: "node-a",
	}
}

func TestPassthroughRoundTrip(t *testing.T) {
	c, err := New()
	require.NoError(t, err)

	snap := sampleSnapshot()
	data, err := c.MarshalSnapshot(snap)
	require.NoError(t, err)

	got, err := c.UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.QueriedBy, got.QueriedBy)
	assert.Equal(t, snap.Lines[0].ID, got.Lines[0].ID)
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{Gzip, Brotli, Snappy} {
		c, err := New(WithCompression(algo))
		require.NoError(t, err)

		snap := sampleSnapshot()
		data, err := c.MarshalSnapshot(snap)
		require.NoError(t, err)

		got, err := c.UnmarshalSnapshot(data)
		require.NoError(t, err)
		assert.Equal(t, snap.QueriedBy, got.QueriedBy)
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	c, err := New(WithEncryption("correct-horse-battery-staple"))
	require.NoError(t, err)

	snap := sampleSnapshot()
	data, err := c.MarshalSnapshot(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "district", "plaintext must not appear in encrypted payload")

	got, err := c.UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.QueriedBy, got.QueriedBy)
}

func TestCompressionThenEncryptionRoundTrip(t *testing.T) {
	c, err := New(WithCompression(Gzip), WithEncryption("pw"))
	require.NoError(t, err)

	snap := sampleSnapshot()
	data, err := c.MarshalSnapshot(snap)
	require.NoError(t, err)

	got, err := c.UnmarshalSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, snap.QueriedBy, got.QueriedBy)
}

func TestDecryptWithWrongPassphraseFails(t *testing.T) {
	writer, err := New(WithEncryption("pw-a"))
	require.NoError(t, err)
	reader, err := New(WithEncryption("pw-b"))
	require.NoError(t, err)

	data, err := writer.MarshalSnapshot(sampleSnapshot())
	require.NoError(t, err)

	_, err = reader.UnmarshalSnapshot(data)
	assert.Error(t, err)
}
