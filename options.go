package peerhost

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/peerhost/crypto"
	"github.com/opd-ai/peerhost/limits"
	"github.com/opd-ai/peerhost/transport"
)

// DefaultPeerCount is the peer table size used by NewHostOptions.
const DefaultPeerCount = 32

// HostOptions configures a host. Zero durations and limits select the
// transport defaults.
type HostOptions struct {
	// BindAddress is the "ip:port" a server host listens on. Client hosts ignore it.
	BindAddress string `yaml:"bind_address,omitempty"`
	PeerCount   int    `yaml:"peer_count"`
	// ChannelLimit caps inbound channel counts; 0 means the protocol maximum.
	ChannelLimit      int    `yaml:"channel_limit"`
	IncomingBandwidth uint32 `yaml:"incoming_bandwidth"`
	OutgoingBandwidth uint32 `yaml:"outgoing_bandwidth"`
	// PrivateKey is the hex-encoded static handshake key. Empty generates one per host.
	PrivateKey     string        `yaml:"private_key,omitempty"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	TimeoutLimit   int           `yaml:"timeout_limit"`
	TimeoutMinimum time.Duration `yaml:"timeout_minimum"`
	TimeoutMaximum time.Duration `yaml:"timeout_maximum"`
	LogLevel       string        `yaml:"log_level,omitempty"`

	// Registerer receives the host metrics when set.
	Registerer prometheus.Registerer `yaml:"-"`
}

// NewHostOptions returns options with default values.
func NewHostOptions() *HostOptions {
	return &HostOptions{
		PeerCount:      DefaultPeerCount,
		ChannelLimit:   0, // protocol maximum
		PingInterval:   transport.DefaultPingInterval,
		TimeoutLimit:   transport.DefaultTimeoutLimit,
		TimeoutMinimum: transport.DefaultTimeoutMinimum,
		TimeoutMaximum: transport.DefaultTimeoutMaximum,
		LogLevel:       "info",
	}
}

// LoadHostOptions reads YAML options from path on top of the defaults.
func LoadHostOptions(path string) (*HostOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := NewHostOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse options %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options %s: %w", path, err)
	}
	return opts, nil
}

// Validate checks the options for values the transport would reject.
func (o *HostOptions) Validate() error {
	if err := limits.ValidatePeerCount(o.PeerCount); err != nil {
		return err
	}
	if o.ChannelLimit < 0 || o.ChannelLimit > limits.MaxChannelCount {
		return fmt.Errorf("%w: channel limit %d", limits.ErrChannelCount, o.ChannelLimit)
	}
	if o.BindAddress != "" {
		if _, err := ParseAddress(o.BindAddress); err != nil {
			return err
		}
	}
	if o.PrivateKey != "" {
		if _, err := crypto.ParseSecretKeyHex(o.PrivateKey); err != nil {
			return err
		}
	}
	if o.LogLevel != "" {
		if _, err := logrus.ParseLevel(o.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureLogging applies LogLevel to the standard logrus logger.
func (o *HostOptions) ConfigureLogging() error {
	if o.LogLevel == "" {
		return nil
	}
	level, err := logrus.ParseLevel(o.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	return nil
}

func (o *HostOptions) transportConfig(address Address) (transport.Config, error) {
	if err := o.Validate(); err != nil {
		return transport.Config{}, err
	}
	cfg := transport.Config{
		Address:           address.toNative(),
		PeerCount:         o.PeerCount,
		ChannelLimit:      o.ChannelLimit,
		IncomingBandwidth: o.IncomingBandwidth,
		OutgoingBandwidth: o.OutgoingBandwidth,
		PingInterval:      o.PingInterval,
		TimeoutLimit:      o.TimeoutLimit,
		TimeoutMinimum:    o.TimeoutMinimum,
		TimeoutMaximum:    o.TimeoutMaximum,
	}
	if o.PrivateKey != "" {
		key, err := crypto.ParseSecretKeyHex(o.PrivateKey)
		if err != nil {
			return transport.Config{}, err
		}
		cfg.StaticKey = key
	}
	return cfg, nil
}
