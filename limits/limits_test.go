package limits

import (
	"errors"
	"testing"
)

// TestMaxPacketPayloadFitsDatagram verifies that a full payload plus every
// header fits within one datagram of DefaultMTU bytes.
func TestMaxPacketPayloadFitsDatagram(t *testing.T) {
	total := MaxPacketPayload + DatagramHeaderSize + SealOverhead + MaxCommandHeader
	if total > DefaultMTU {
		t.Errorf("packet of %d bytes exceeds DefaultMTU %d", total, DefaultMTU)
	}
	if DefaultMTU > MaxDatagramSize {
		t.Errorf("DefaultMTU %d exceeds receive buffer %d", DefaultMTU, MaxDatagramSize)
	}
}

// TestValidatePacketPayload tests the payload size validation function
func TestValidatePacketPayload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{
			name:    "nil payload",
			payload: nil,
			wantErr: nil,
		},
		{
			name:    "empty payload",
			payload: []byte{},
			wantErr: nil,
		},
		{
			name:    "small payload",
			payload: []byte("hello"),
			wantErr: nil,
		},
		{
			name:    "max-size payload",
			payload: make([]byte, MaxPacketPayload),
			wantErr: nil,
		},
		{
			name:    "payload too large",
			payload: make([]byte, MaxPacketPayload+1),
			wantErr: ErrPacketTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePacketPayload(tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidatePacketPayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateChannelCount(t *testing.T) {
	for _, n := range []int{MinChannelCount, 2, MaxChannelCount} {
		if err := ValidateChannelCount(n); err != nil {
			t.Errorf("ValidateChannelCount(%d) = %v, want nil", n, err)
		}
	}
	for _, n := range []int{-1, 0, MaxChannelCount + 1} {
		if err := ValidateChannelCount(n); !errors.Is(err, ErrChannelCount) {
			t.Errorf("ValidateChannelCount(%d) = %v, want ErrChannelCount", n, err)
		}
	}
}

func TestValidatePeerCount(t *testing.T) {
	for _, n := range []int{1, 8, MaxPeerCount} {
		if err := ValidatePeerCount(n); err != nil {
			t.Errorf("ValidatePeerCount(%d) = %v, want nil", n, err)
		}
	}
	for _, n := range []int{0, -3, MaxPeerCount + 1} {
		if err := ValidatePeerCount(n); !errors.Is(err, ErrPeerCount) {
			t.Errorf("ValidatePeerCount(%d) = %v, want ErrPeerCount", n, err)
		}
	}
}

func TestClampChannelCount(t *testing.T) {
	tests := []struct {
		requested, limit, want int
	}{
		{requested: 2, limit: 0, want: 2},
		{requested: 2, limit: MaxChannelCount, want: 2},
		{requested: 8, limit: 4, want: 4},
		{requested: 0, limit: 4, want: MinChannelCount},
		{requested: 300, limit: 0, want: MaxChannelCount},
	}
	for _, tt := range tests {
		if got := ClampChannelCount(tt.requested, tt.limit); got != tt.want {
			t.Errorf("ClampChannelCount(%d, %d) = %d, want %d", tt.requested, tt.limit, got, tt.want)
		}
	}
}
