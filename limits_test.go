package peerhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestChannelLimitNative tests the "zero means maximum" encoding.
func TestChannelLimitNative(t *testing.T) {
	tests := []struct {
		name   string
		limit  ChannelLimit
		native int
		count  int
	}{
		{"maximum", MaximumChannels(), 0, 255},
		{"limited", LimitedChannels(8), 8, 8},
		{"one", LimitedChannels(1), 1, 1},
		{"zero selects maximum", LimitedChannels(0), 0, 255},
		{"at maximum", LimitedChannels(255), 0, 255},
		{"above maximum", LimitedChannels(1000), 0, 255},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.native, tt.limit.toNative())
			assert.Equal(t, tt.count, tt.limit.Count())
		})
	}

	assert.Equal(t, MaximumChannels(), channelLimitFromNative(255))
	assert.Equal(t, LimitedChannels(3), channelLimitFromNative(3))
	assert.Panics(t, func() { channelLimitFromNative(0) })
	assert.Equal(t, "maximum", MaximumChannels().String())
}

// TestBandwidthLimit tests the bandwidth limit values.
func TestBandwidthLimit(t *testing.T) {
	assert.True(t, Unlimited().IsUnlimited())
	assert.Equal(t, uint32(0), Unlimited().toNative())
	assert.Equal(t, "unlimited", Unlimited().String())

	limited := LimitedBandwidth(1000)
	assert.False(t, limited.IsUnlimited())
	assert.Equal(t, uint32(1000), limited.BytesPerSecond())
	assert.Equal(t, limited, bandwidthFromNative(1000))
	assert.Equal(t, "1000 B/s", limited.String())
}
