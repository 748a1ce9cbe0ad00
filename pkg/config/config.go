// Package config loads stack settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"avaneesh/l2cap-go/pkg/engine"
	"avaneesh/l2cap-go/pkg/l2cap"
	"avaneesh/l2cap-go/pkg/link"
	"avaneesh/l2cap-go/pkg/pool"
	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/signal"
)

var ErrInvalid = errors.New("invalid configuration")

// Config is the file layout
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Link     LinkConfig     `yaml:"link"`
	Engine   EngineConfig   `yaml:"engine"`
	Pool     PoolConfig     `yaml:"pool"`
	Stack    StackConfig    `yaml:"stack"`
	Channel  ChannelConfig  `yaml:"channel"`
	Security SecurityConfig `yaml:"security"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	FrameDebug bool   `yaml:"frame_debug"`
}

// LinkConfig selects and configures the transport
type LinkConfig struct {
	Transport      string        `yaml:"transport"` // tcp, udp or quic
	Address        string        `yaml:"address"`
	Server         bool          `yaml:"server"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxPayload     int           `yaml:"max_payload"`
}

type EngineConfig struct {
	SignalingMTU     uint16        `yaml:"signaling_mtu"`
	RTX              time.Duration `yaml:"rtx"`
	ERTX             time.Duration `yaml:"ertx"`
	MaxConfigRetries int           `yaml:"max_config_retries"`
	RetransTimeout   time.Duration `yaml:"retrans_timeout"`
	MonitorTimeout   time.Duration `yaml:"monitor_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	MaxQueued        int           `yaml:"max_queued"`
	Features         []string      `yaml:"features"`
}

type PoolConfig struct {
	Capacity           int `yaml:"capacity"`
	ReservedPerChannel int `yaml:"reserved_per_channel"`
	MaxBorrow          int `yaml:"max_borrow"`
}

type StackConfig struct {
	RxBuffer    int `yaml:"rx_buffer"`
	TxQueue     int `yaml:"tx_queue"`
	EventBuffer int `yaml:"event_buffer"`
	AcceptQueue int `yaml:"accept_queue"`
}

// ChannelConfig holds the options used for channels the program opens or
// accepts
type ChannelConfig struct {
	Mode            string `yaml:"mode"` // basic, ertm or streaming
	ModeOptional    bool   `yaml:"mode_optional"`
	MTU             uint16 `yaml:"mtu"`
	MTULimit        uint16 `yaml:"mtu_limit"`
	FlushTimeout    uint32 `yaml:"flush_timeout"`
	Window          uint16 `yaml:"window"`
	ExtendedWindow  bool   `yaml:"extended_window"`
	MaxTransmit     uint8  `yaml:"max_transmit"`
	MPS             uint16 `yaml:"mps"`
	FCS             bool   `yaml:"fcs"`
	SelectiveReject bool   `yaml:"selective_reject"`
	Priority        string `yaml:"priority"` // high, normal or low
}

type SecurityConfig struct {
	Default string       `yaml:"default"` // allow or deny
	Rules   []RuleConfig `yaml:"rules"`

	// Deferred holds incoming dynamic channels until the program resolves
	// the pending check, typically against Policy
	Deferred bool `yaml:"deferred"`
}

type RuleConfig struct {
	Service   uint16 `yaml:"service"`
	Direction string `yaml:"direction"` // incoming, outgoing or empty for both
	Peer      string `yaml:"peer"`
	Allow     bool   `yaml:"allow"`
}

var featureNames = map[string]uint32{
	"ertm":           signal.FeatureERTM,
	"streaming":      signal.FeatureStreaming,
	"fcs":            signal.FeatureFCS,
	"fixed_channels": signal.FeatureFixedChannels,
	"ext_window":     signal.FeatureExtWindow,
}

// Default returns the configuration used when no file is present
func Default() *Config {
	ec := engine.DefaultConfig()
	pc := pool.DefaultConfig()
	sc := l2cap.DefaultConfig()
	co := engine.DefaultChannelOptions()

	return &Config{
		Log: LogConfig{Level: "info"},
		Link: LinkConfig{
			Transport:      "quic",
			Address:        "127.0.0.1:4242",
			ReconnectDelay: 5 * time.Second,
			WriteTimeout:   10 * time.Second,
			MaxPayload:     link.DefaultMaxPayload,
		},
		Engine: EngineConfig{
			SignalingMTU:     ec.SignalingMTU,
			RTX:              ec.RTX,
			ERTX:             ec.ERTX,
			MaxConfigRetries: ec.MaxConfigRetries,
			RetransTimeout:   ec.RetransTimeout,
			MonitorTimeout:   ec.MonitorTimeout,
			AckTimeout:       ec.AckTimeout,
			MaxQueued:        ec.MaxQueued,
			Features:         []string{"ertm", "streaming", "fcs", "fixed_channels", "ext_window"},
		},
		Pool: PoolConfig{
			Capacity:           pc.Capacity,
			ReservedPerChannel: pc.ReservedPerChannel,
			MaxBorrow:          pc.MaxBorrow,
		},
		Stack: StackConfig{
			RxBuffer:    sc.RxBuffer,
			TxQueue:     sc.TxQueue,
			EventBuffer: sc.EventBuffer,
			AcceptQueue: sc.AcceptQueue,
		},
		Channel: ChannelConfig{
			Mode:            "basic",
			MTU:             co.MTU,
			FlushTimeout:    co.FlushTimeout,
			Window:          co.Window,
			MaxTransmit:     co.MaxTransmit,
			MPS:             co.MPS,
			FCS:             true,
			SelectiveReject: co.SelectiveReject,
			Priority:        "normal",
		},
		Security: SecurityConfig{Default: "allow"},
	}
}

// Load reads the configuration from the given YAML file path. Settings the
// file leaves out keep their defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be mapped
func (c *Config) Validate() error {
	if _, err := l2cap.ParseLogLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Link.Transport {
	case "tcp", "udp", "quic":
	default:
		return fmt.Errorf("%w: transport %q", ErrInvalid, c.Link.Transport)
	}
	if c.Link.Address == "" {
		return fmt.Errorf("%w: link address is required", ErrInvalid)
	}
	if _, err := c.features(); err != nil {
		return err
	}
	if _, err := c.ChannelOptions(); err != nil {
		return err
	}
	if _, err := c.Gate(); err != nil {
		return err
	}
	ec, err := c.EngineConfig()
	if err != nil {
		return err
	}
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) features() (uint32, error) {
	var mask uint32
	for _, name := range c.Engine.Features {
		bit, ok := featureNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("%w: feature %q", ErrInvalid, name)
		}
		mask |= bit
	}
	return mask, nil
}

// EngineConfig builds the engine settings, including pool and gate
func (c *Config) EngineConfig() (engine.Config, error) {
	features, err := c.features()
	if err != nil {
		return engine.Config{}, err
	}
	gate, err := c.Gate()
	if err != nil {
		return engine.Config{}, err
	}

	ec := engine.DefaultConfig()
	ec.SignalingMTU = c.Engine.SignalingMTU
	ec.RTX = c.Engine.RTX
	ec.ERTX = c.Engine.ERTX
	ec.MaxConfigRetries = c.Engine.MaxConfigRetries
	ec.RetransTimeout = c.Engine.RetransTimeout
	ec.MonitorTimeout = c.Engine.MonitorTimeout
	ec.AckTimeout = c.Engine.AckTimeout
	ec.MaxQueued = c.Engine.MaxQueued
	ec.Features = features
	ec.Pool = pool.Config{
		Capacity:           c.Pool.Capacity,
		ReservedPerChannel: c.Pool.ReservedPerChannel,
		MaxBorrow:          c.Pool.MaxBorrow,
	}
	ec.Gate = gate
	return ec, nil
}

// StackConfig builds the stack settings
func (c *Config) StackConfig(log l2cap.Logger) (l2cap.Config, error) {
	ec, err := c.EngineConfig()
	if err != nil {
		return l2cap.Config{}, err
	}
	return l2cap.Config{
		Engine:      ec,
		RxBuffer:    c.Stack.RxBuffer,
		TxQueue:     c.Stack.TxQueue,
		EventBuffer: c.Stack.EventBuffer,
		AcceptQueue: c.Stack.AcceptQueue,
		Logger:      log,
	}, nil
}

// ChannelOptions builds the options for opened and accepted channels
func (c *Config) ChannelOptions() (engine.ChannelOptions, error) {
	ch := c.Channel
	opts := engine.ChannelOptions{
		MTU:             ch.MTU,
		MTULimit:        ch.MTULimit,
		FlushTimeout:    ch.FlushTimeout,
		ModeOptional:    ch.ModeOptional,
		Window:          ch.Window,
		ExtendedWindow:  ch.ExtendedWindow,
		MaxTransmit:     ch.MaxTransmit,
		MPS:             ch.MPS,
		NoFCS:           !ch.FCS,
		SelectiveReject: ch.SelectiveReject,
	}

	switch strings.ToLower(ch.Mode) {
	case "basic", "":
		opts.Mode = signal.ModeBasic
	case "ertm":
		opts.Mode = signal.ModeERTM
	case "streaming":
		opts.Mode = signal.ModeStreaming
	default:
		return opts, fmt.Errorf("%w: channel mode %q", ErrInvalid, ch.Mode)
	}

	switch strings.ToLower(ch.Priority) {
	case "high":
		opts.Priority = sched.High
	case "normal", "":
		opts.Priority = sched.Normal
	case "low":
		opts.Priority = sched.Low
	default:
		return opts, fmt.Errorf("%w: priority %q", ErrInvalid, ch.Priority)
	}
	return opts, nil
}

// Gate builds the access gate: the policy itself, or a deferred gate that
// answers frames with the policy
func (c *Config) Gate() (security.Gate, error) {
	p, err := c.Policy()
	if err != nil {
		return nil, err
	}
	if c.Security.Deferred {
		d := security.NewDeferred()
		d.Fallback = p
		return d, nil
	}
	return p, nil
}

// Policy builds the rule based access policy
func (c *Config) Policy() (*security.Policy, error) {
	p := &security.Policy{}
	switch strings.ToLower(c.Security.Default) {
	case "allow", "":
		p.Default = true
	case "deny":
	default:
		return nil, fmt.Errorf("%w: security default %q", ErrInvalid, c.Security.Default)
	}

	for i, r := range c.Security.Rules {
		rule := security.Rule{Service: r.Service, Peer: security.PeerID(r.Peer), Allow: r.Allow}
		switch strings.ToLower(r.Direction) {
		case "":
		case "incoming":
			d := security.Incoming
			rule.Direction = &d
		case "outgoing":
			d := security.Outgoing
			rule.Direction = &d
		default:
			return nil, fmt.Errorf("%w: rule %d direction %q", ErrInvalid, i, r.Direction)
		}
		p.Rules = append(p.Rules, rule)
	}
	return p, nil
}

// Transport opens the configured link transport
func (c *Config) Transport() (link.Transport, error) {
	l := c.Link
	switch l.Transport {
	case "tcp":
		t, err := link.NewTCP(link.TCPConfig{
			Address:        l.Address,
			IsServer:       l.Server,
			ReconnectDelay: l.ReconnectDelay,
			ReadTimeout:    l.ReadTimeout,
			WriteTimeout:   l.WriteTimeout,
			MaxPayload:     l.MaxPayload,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case "udp":
		t, err := link.NewUDP(link.UDPConfig{
			Address:      l.Address,
			IsServer:     l.Server,
			ReadTimeout:  l.ReadTimeout,
			WriteTimeout: l.WriteTimeout,
			MaxPayload:   l.MaxPayload,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	case "quic":
		t, err := link.NewQUIC(link.QUICConfig{
			Address:        l.Address,
			IsServer:       l.Server,
			ReconnectDelay: l.ReconnectDelay,
			ReadTimeout:    l.ReadTimeout,
			WriteTimeout:   l.WriteTimeout,
			MaxPayload:     l.MaxPayload,
		})
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: transport %q", ErrInvalid, l.Transport)
	}
}

// Apply sets the process-wide log level and frame debugging
func (c *Config) Apply() {
	level, err := l2cap.ParseLogLevel(c.Log.Level)
	if err == nil {
		l2cap.SetLogLevel(level)
	}
	l2cap.EnableFrameDebug(c.Log.FrameDebug)
}
