package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"avaneesh/l2cap-go/pkg/sched"
	"avaneesh/l2cap-go/pkg/security"
	"avaneesh/l2cap-go/pkg/signal"
)

const sample = `
log:
  level: debug
  frame_debug: true
link:
  transport: tcp
  address: 10.0.0.1:7000
  server: true
  read_timeout: 90s
engine:
  rtx: 2s
  ertx: 30s
  retrans_timeout: 500ms
  monitor_timeout: 3s
  features: [ertm, fcs]
pool:
  capacity: 64
channel:
  mode: ertm
  mode_optional: true
  mtu: 1024
  mps: 256
  fcs: false
  priority: high
security:
  default: deny
  rules:
    - service: 0x1001
      direction: incoming
      allow: true
    - peer: badpeer
      allow: false
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Link.Transport != "tcp" || !cfg.Link.Server || cfg.Link.ReadTimeout != 90*time.Second {
		t.Errorf("Unexpected link section %+v", cfg.Link)
	}
	if cfg.Link.WriteTimeout != 10*time.Second {
		t.Errorf("Expected default write timeout, got %s", cfg.Link.WriteTimeout)
	}

	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if ec.RTX != 2*time.Second || ec.ERTX != 30*time.Second {
		t.Errorf("Expected RTX 2s / ERTX 30s, got %s / %s", ec.RTX, ec.ERTX)
	}
	if ec.RetransTimeout != 500*time.Millisecond || ec.MonitorTimeout != 3*time.Second {
		t.Errorf("Unexpected ERTM timers %s / %s", ec.RetransTimeout, ec.MonitorTimeout)
	}
	if ec.Features != signal.FeatureERTM|signal.FeatureFCS {
		t.Errorf("Expected ERTM|FCS, got 0x%08X", ec.Features)
	}
	if ec.Pool.Capacity != 64 || ec.Pool.ReservedPerChannel != 8 {
		t.Errorf("Expected capacity 64 with default reservation, got %+v", ec.Pool)
	}
	if ec.AckTimeout != 200*time.Millisecond {
		t.Errorf("Expected default ack timeout, got %s", ec.AckTimeout)
	}

	opts, err := cfg.ChannelOptions()
	if err != nil {
		t.Fatalf("ChannelOptions failed: %v", err)
	}
	if opts.Mode != signal.ModeERTM || !opts.ModeOptional || !opts.NoFCS {
		t.Errorf("Unexpected mode options %+v", opts)
	}
	if opts.MTU != 1024 || opts.MPS != 256 || opts.Priority != sched.High {
		t.Errorf("Unexpected sizes %+v", opts)
	}
	if opts.Window != 63 || opts.MaxTransmit != 3 {
		t.Errorf("Expected default window and retries, got %d / %d", opts.Window, opts.MaxTransmit)
	}

	sc, err := cfg.StackConfig(nil)
	if err != nil {
		t.Fatalf("StackConfig failed: %v", err)
	}
	if sc.RxBuffer != 32 || sc.Engine.RTX != 2*time.Second {
		t.Errorf("Unexpected stack config %+v", sc)
	}
}

func TestGate(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	gate, err := cfg.Gate()
	if err != nil {
		t.Fatalf("Gate failed: %v", err)
	}

	tests := []struct {
		name string
		req  security.Request
		want security.Decision
	}{
		{"incoming to allowed service", security.Request{Service: 0x1001, Direction: security.Incoming, Peer: "x"}, security.Approved},
		{"outgoing to allowed service", security.Request{Service: 0x1001, Direction: security.Outgoing, Peer: "x"}, security.Denied},
		{"other service", security.Request{Service: 0x1003, Direction: security.Incoming, Peer: "x"}, security.Denied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.CheckAccess(tt.req).Decision; got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestDeferredGate(t *testing.T) {
	cfg, err := Parse([]byte(sample + "  deferred: true\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	gate, err := cfg.Gate()
	if err != nil {
		t.Fatalf("Gate failed: %v", err)
	}
	d, ok := gate.(*security.Deferred)
	if !ok {
		t.Fatalf("Expected *security.Deferred, got %T", gate)
	}

	tests := []struct {
		name string
		req  security.Request
		want security.Decision
	}{
		{"dynamic waits", security.Request{Service: 0x1003, Direction: security.Incoming, Peer: "x"}, security.Pending},
		{"connectionless allowed by rules", security.Request{Service: 0x1001, Type: security.Connectionless, Direction: security.Incoming, Peer: "x"}, security.Approved},
		{"connectionless denied by rules", security.Request{Service: 0x1003, Type: security.Connectionless, Direction: security.Incoming, Peer: "x"}, security.Denied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := gate.CheckAccess(tt.req).Decision; got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}

	pending := d.Pending()
	if len(pending) != 1 {
		t.Fatalf("Expected 1 pending token, got %d", len(pending))
	}
	req, ok := d.Resolve(pending[0])
	if !ok || req.Service != 0x1003 {
		t.Fatalf("Expected pending request for 0x1003, got %+v (%v)", req, ok)
	}

	p, err := cfg.Policy()
	if err != nil {
		t.Fatalf("Policy failed: %v", err)
	}
	if got := p.CheckAccess(req).Decision; got != security.Denied {
		t.Errorf("Expected policy to deny 0x1003, got %v", got)
	}
}

func TestMaxQueued(t *testing.T) {
	cfg, err := Parse([]byte("engine: {max_queued: 16}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig failed: %v", err)
	}
	if ec.MaxQueued != 16 {
		t.Errorf("Expected max queued 16, got %d", ec.MaxQueued)
	}

	cfg, err = Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if ec, _ = cfg.EngineConfig(); ec.MaxQueued == 0 {
		t.Errorf("Expected default max queued, got 0")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "link: [unclosed"},
		{"transport", "link: {transport: serial}"},
		{"address", "link: {address: \"\"}"},
		{"feature", "engine: {features: [warp]}"},
		{"mode", "channel: {mode: retransmission}"},
		{"priority", "channel: {priority: urgent}"},
		{"security default", "security: {default: maybe}"},
		{"rule direction", "security: {rules: [{direction: sideways}]}"},
		{"log level", "log: {level: loud}"},
		{"engine timers", "engine: {rtx: 10s, ertx: 1s}"},
		{"duration", "engine: {rtx: soon}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("Load of a missing file failed: %v", err)
	}
	if cfg.Link.Transport != "quic" || cfg.Channel.Mode != "basic" {
		t.Errorf("Expected defaults, got %+v", cfg)
	}

	path := filepath.Join(dir, "l2cap.yaml")
	if err := os.WriteFile(path, []byte("channel:\n  mode: streaming\n"), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	opts, err := cfg.ChannelOptions()
	if err != nil {
		t.Fatalf("ChannelOptions failed: %v", err)
	}
	if opts.Mode != signal.ModeStreaming {
		t.Errorf("Expected Streaming, got %s", opts.Mode)
	}
}

func TestTransport(t *testing.T) {
	cfg := Default()
	cfg.Link.Transport = "udp"
	cfg.Link.Address = "127.0.0.1:0"
	cfg.Link.Server = true

	tr, err := cfg.Transport()
	if err != nil {
		t.Fatalf("Transport failed: %v", err)
	}
	defer tr.Close()

	if tr.IsConnected() {
		t.Errorf("Expected a UDP server without peer to report disconnected")
	}
}
