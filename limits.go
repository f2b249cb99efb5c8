package peerhost

import (
	"fmt"

	"github.com/opd-ai/peerhost/limits"
)

// BandwidthLimit is either unlimited or a number of bytes per second.
type BandwidthLimit struct {
	bytesPerSecond uint32
}

// Unlimited returns a bandwidth limit that imposes no limit.
func Unlimited() BandwidthLimit { return BandwidthLimit{} }

// LimitedBandwidth returns a limit of bytesPerSecond. A value of zero is
// indistinguishable from Unlimited, matching the transport.
func LimitedBandwidth(bytesPerSecond uint32) BandwidthLimit {
	return BandwidthLimit{bytesPerSecond: bytesPerSecond}
}

// IsUnlimited reports whether no limit is imposed.
func (b BandwidthLimit) IsUnlimited() bool { return b.bytesPerSecond == 0 }

// BytesPerSecond returns the limit, or zero when unlimited.
func (b BandwidthLimit) BytesPerSecond() uint32 { return b.bytesPerSecond }

func (b BandwidthLimit) String() string {
	if b.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d B/s", b.bytesPerSecond)
}

func bandwidthFromNative(v uint32) BandwidthLimit { return BandwidthLimit{bytesPerSecond: v} }

func (b BandwidthLimit) toNative() uint32 { return b.bytesPerSecond }

// ChannelLimit is either the protocol maximum or a specific channel count.
type ChannelLimit struct {
	count int // 0 means maximum
}

// MaximumChannels returns the limit allowing the protocol maximum of channels.
func MaximumChannels() ChannelLimit { return ChannelLimit{} }

// LimitedChannels returns a limit of n channels. Values outside
// [1, limits.MaxChannelCount] select the maximum.
func LimitedChannels(n int) ChannelLimit {
	if n < limits.MinChannelCount || n >= limits.MaxChannelCount {
		return MaximumChannels()
	}
	return ChannelLimit{count: n}
}

// IsMaximum reports whether the limit is the protocol maximum.
func (c ChannelLimit) IsMaximum() bool { return c.count == 0 }

// Count returns the effective number of channels.
func (c ChannelLimit) Count() int {
	if c.IsMaximum() {
		return limits.MaxChannelCount
	}
	return c.count
}

func (c ChannelLimit) String() string {
	if c.IsMaximum() {
		return "maximum"
	}
	return fmt.Sprintf("%d channels", c.count)
}

// toNative encodes the limit for the transport, where zero requests the maximum.
func (c ChannelLimit) toNative() int { return c.count }

// channelLimitFromNative decodes the effective limit reported by the
// transport. The transport never reports zero; doing so would turn "maximum"
// into a limit of zero channels, so it is treated as a broken invariant.
func channelLimitFromNative(v int) ChannelLimit {
	switch {
	case v == 0:
		panic("peerhost: transport reported a channel limit of 0")
	case v >= limits.MaxChannelCount:
		return MaximumChannels()
	default:
		return ChannelLimit{count: v}
	}
}
