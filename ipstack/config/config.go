// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for ipstack. Settings are read from a TOML or YAML file and converted to
// the options of a stack instance.
package config

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/network/arp"
	"github.com/ipstack/ipstack/pkg/tcpip/network/ipv4"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/tcp"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/udp"
)

// Duration is a time.Duration written as a string such as "250ms" in
// configuration files.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config holds configuration that is not part of the command line.
type Config struct {
	// Memory sizes the heap arena, the object pools and the loop mailbox.
	Memory Memory `toml:"memory" yaml:"memory"`

	// IP configures the ipv4 protocol and ICMP.
	IP IP `toml:"ip" yaml:"ip"`

	// ARP configures the ARP cache.
	ARP ARP `toml:"arp" yaml:"arp"`

	// TCP configures the tcp protocol.
	TCP TCP `toml:"tcp" yaml:"tcp"`

	// Interfaces lists the interfaces to create, in NIC ID order.
	Interfaces []Interface `toml:"interface" yaml:"interfaces"`

	// Log configures logging.
	Log Log `toml:"log" yaml:"log"`

	// Metrics configures the metrics exposition.
	Metrics Metrics `toml:"metrics" yaml:"metrics"`

	// Echo configures the UDP echo service run by serve.
	Echo Echo `toml:"echo" yaml:"echo"`

	// LockDir is the directory holding one lock file per device.
	LockDir string `toml:"lock_dir" yaml:"lock_dir"`
}

// Memory holds allocator sizes.
type Memory struct {
	// HeapSize is the size of the heap arena in bytes.
	HeapSize int `toml:"heap_size" yaml:"heap_size"`

	// PoolBufSize is the size of one pool packet buffer.
	PoolBufSize int `toml:"pool_buf_size" yaml:"pool_buf_size"`

	// Pools maps a pool name, such as "tcp_seg", to its capacity.
	Pools map[string]int `toml:"pools" yaml:"pools"`

	// MailboxSize is the capacity of the loop mailbox.
	MailboxSize int `toml:"mailbox_size" yaml:"mailbox_size"`
}

// IP holds ipv4 settings.
type IP struct {
	DefaultTTL           uint8    `toml:"default_ttl" yaml:"default_ttl"`
	Forwarding           bool     `toml:"forwarding" yaml:"forwarding"`
	ReassemblyBufferSize int      `toml:"reassembly_buffer_size" yaml:"reassembly_buffer_size"`
	ReassemblyMaxAge     int      `toml:"reassembly_max_age" yaml:"reassembly_max_age"`
	ReassemblyTick       Duration `toml:"reassembly_tick" yaml:"reassembly_tick"`

	// ICMPRateLimit is the number of ICMP errors allowed per second. A
	// negative value disables limiting.
	ICMPRateLimit float64 `toml:"icmp_rate_limit" yaml:"icmp_rate_limit"`
	ICMPBurst     int     `toml:"icmp_burst" yaml:"icmp_burst"`
}

// ARP holds ARP cache settings. Ages are counted in ticks.
type ARP struct {
	TableSize  int      `toml:"table_size" yaml:"table_size"`
	MaxAge     int      `toml:"max_age" yaml:"max_age"`
	MaxPending int      `toml:"max_pending" yaml:"max_pending"`
	Tick       Duration `toml:"tick" yaml:"tick"`
}

// TCP holds tcp protocol settings.
type TCP struct {
	MSS               int      `toml:"mss" yaml:"mss"`
	ReceiveWindow     int      `toml:"receive_window" yaml:"receive_window"`
	SendBufferSize    int      `toml:"send_buffer_size" yaml:"send_buffer_size"`
	SendQueueLen      int      `toml:"send_queue_len" yaml:"send_queue_len"`
	MaxRetransmits    int      `toml:"max_retransmits" yaml:"max_retransmits"`
	MaxSynRetransmits int      `toml:"max_syn_retransmits" yaml:"max_syn_retransmits"`
	TimerInterval     Duration `toml:"timer_interval" yaml:"timer_interval"`
	InitialRTO        Duration `toml:"initial_rto" yaml:"initial_rto"`
	FinWait2Timeout   Duration `toml:"fin_wait2_timeout" yaml:"fin_wait2_timeout"`
	SynRcvdTimeout    Duration `toml:"syn_rcvd_timeout" yaml:"syn_rcvd_timeout"`
	MSL               Duration `toml:"msl" yaml:"msl"`
	KeepaliveIdle     Duration `toml:"keepalive_idle" yaml:"keepalive_idle"`
	KeepaliveInterval Duration `toml:"keepalive_interval" yaml:"keepalive_interval"`
	KeepaliveCount    int      `toml:"keepalive_count" yaml:"keepalive_count"`
}

// Interface modes.
const (
	ModeTUN = "tun"
	ModeTAP = "tap"
)

// Interface describes one interface.
type Interface struct {
	// Name is the NIC name used in logs.
	Name string `toml:"name" yaml:"name"`

	// Device is the host TUN/TAP device name. It defaults to Name.
	Device string `toml:"device" yaml:"device"`

	// Mode is ModeTUN or ModeTAP.
	Mode string `toml:"mode" yaml:"mode"`

	Address string `toml:"address" yaml:"address"`
	Netmask string `toml:"netmask" yaml:"netmask"`
	Gateway string `toml:"gateway" yaml:"gateway"`

	// MAC is the link address of a TAP interface.
	MAC string `toml:"mac" yaml:"mac"`

	// HostAddress, in CIDR notation, is assigned to the host side of the
	// device when set.
	HostAddress string `toml:"host_address" yaml:"host_address"`

	MTU uint32 `toml:"mtu" yaml:"mtu"`

	// Default makes the interface the default route.
	Default bool `toml:"default" yaml:"default"`
}

// Log holds logging settings.
type Log struct {
	Level log.Level `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`

	// File is a log file pattern; %NAME% and %TIMESTAMP% are expanded.
	// Empty means stderr.
	File string `toml:"file" yaml:"file"`

	// DropInterval rate limits packet drop logging.
	DropInterval Duration `toml:"drop_interval" yaml:"drop_interval"`
}

// Metrics holds metrics exposition settings.
type Metrics struct {
	// File receives the Prometheus text exposition every Interval. Empty
	// disables it.
	File     string   `toml:"file" yaml:"file"`
	Interval Duration `toml:"interval" yaml:"interval"`
}

// Echo holds UDP echo service settings.
type Echo struct {
	// Port is the UDP port to echo on. Zero disables the service.
	Port uint16 `toml:"port" yaml:"port"`
}

// Default returns the default configuration.
func Default() *Config {
	pools := stack.DefaultPools()
	c := &Config{
		Memory: Memory{
			HeapSize:    stack.DefaultHeapSize,
			PoolBufSize: pools[memp.PBufPool].Size,
			Pools:       make(map[string]int),
			MailboxSize: stack.DefaultMailboxSize,
		},
		IP: IP{
			DefaultTTL:           ipv4.DefaultOptions().DefaultTTL,
			ReassemblyBufferSize: ipv4.DefaultReassemblyBufferSize,
			ReassemblyMaxAge:     ipv4.DefaultReassemblyMaxAge,
			ReassemblyTick:       Duration(ipv4.DefaultReassemblyTick),
			ICMPRateLimit:        float64(ipv4.DefaultICMPRateLimit),
			ICMPBurst:            ipv4.DefaultICMPBurst,
		},
		ARP: ARP{
			TableSize:  arp.DefaultTableSize,
			MaxAge:     arp.DefaultMaxAge,
			MaxPending: arp.DefaultMaxPending,
			Tick:       Duration(arp.DefaultTick),
		},
		Log: Log{
			Level:        log.Info,
			Format:       log.FormatText,
			DropInterval: Duration(stack.DefaultDropLogInterval),
		},
		Metrics: Metrics{
			Interval: Duration(10 * time.Second),
		},
		LockDir: filepath.Join(os.TempDir(), "ipstack"),
	}
	for t := memp.Type(0); t < memp.NumTypes; t++ {
		c.Memory.Pools[t.String()] = pools[t].Count
	}

	d := tcp.DefaultOptions()
	c.TCP = TCP{
		MSS:               d.MSS,
		ReceiveWindow:     d.ReceiveWindow,
		SendBufferSize:    d.SendBufferSize,
		SendQueueLen:      d.SendQueueLen,
		MaxRetransmits:    d.MaxRetransmits,
		MaxSynRetransmits: d.MaxSynRetransmits,
		TimerInterval:     Duration(d.TimerInterval),
		InitialRTO:        Duration(d.InitialRTO),
		FinWait2Timeout:   Duration(d.FinWait2Timeout),
		SynRcvdTimeout:    Duration(d.SynRcvdTimeout),
		MSL:               Duration(d.MSL),
		KeepaliveIdle:     Duration(d.KeepaliveIdle),
		KeepaliveInterval: Duration(d.KeepaliveInterval),
		KeepaliveCount:    d.KeepaliveCount,
	}
	return c
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Load reads a configuration file on top of the defaults. The format is
// chosen by extension: ".toml", ".yaml" or ".yml".
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()

	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	c, err := Decode(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Formats accepted by Decode and Encode.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown config file extension %q", filepath.Ext(path))
	}
}

// Decode reads a configuration in the given format on top of the defaults
// and validates it.
func Decode(r io.Reader, format string) (*Config, error) {
	c := Default()
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(c)
		if err != nil {
			return nil, fmt.Errorf("decoding TOML: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys: %v", undecoded)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Encode writes c in the given format.
func (c *Config) Encode(w io.Writer, format string) error {
	switch format {
	case FormatTOML:
		return toml.NewEncoder(w).Encode(c)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown config format %q", format)
	}
}

// Validate checks that c describes a stack that can be built.
func (c *Config) Validate() error {
	if c.Memory.HeapSize <= 0 {
		return fmt.Errorf("memory.heap_size must be positive, got %d", c.Memory.HeapSize)
	}
	if c.Memory.PoolBufSize < memp.MinSlotSize {
		return fmt.Errorf("memory.pool_buf_size must be at least %d, got %d", memp.MinSlotSize, c.Memory.PoolBufSize)
	}
	if _, err := c.pools(); err != nil {
		return err
	}
	if c.IP.ReassemblyBufferSize <= 0 {
		return fmt.Errorf("ip.reassembly_buffer_size must be positive, got %d", c.IP.ReassemblyBufferSize)
	}
	if c.ARP.MaxPending < 2 {
		return fmt.Errorf("arp.max_pending must be at least 2, got %d", c.ARP.MaxPending)
	}
	if c.TCP.MSS <= 0 || c.TCP.MSS > c.Memory.PoolBufSize {
		return fmt.Errorf("tcp.mss must be in (0, %d], got %d", c.Memory.PoolBufSize, c.TCP.MSS)
	}
	if c.TCP.ReceiveWindow <= 0 || c.TCP.ReceiveWindow > 0xffff {
		return fmt.Errorf("tcp.receive_window must be in (0, 65535], got %d", c.TCP.ReceiveWindow)
	}
	switch c.Log.Format {
	case log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("log.format must be %q or %q, got %q", log.FormatText, log.FormatJSON, c.Log.Format)
	}

	names := make(map[string]bool)
	defaults := 0
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		if ifc.Name == "" {
			return fmt.Errorf("interface %d: missing name", i)
		}
		if names[ifc.Name] {
			return fmt.Errorf("interface %q: duplicate name", ifc.Name)
		}
		names[ifc.Name] = true
		if _, err := ifc.NICConfig(); err != nil {
			return err
		}
		if _, err := ifc.LinkAddress(); err != nil {
			return err
		}
		if ifc.HostAddress != "" {
			if _, err := netip.ParsePrefix(ifc.HostAddress); err != nil {
				return fmt.Errorf("interface %q: host_address: %w", ifc.Name, err)
			}
		}
		if ifc.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("%d interfaces marked default, at most one allowed", defaults)
	}
	return nil
}

// pools converts the named pool capacities into memp descriptors.
func (c *Config) pools() ([memp.NumTypes]memp.Desc, error) {
	d := stack.DefaultPools()
	byName := make(map[string]memp.Type, memp.NumTypes)
	for t := memp.Type(0); t < memp.NumTypes; t++ {
		byName[t.String()] = t
	}
	for name, count := range c.Memory.Pools {
		t, ok := byName[name]
		if !ok {
			return d, fmt.Errorf("memory.pools: unknown pool %q", name)
		}
		if count <= 0 {
			return d, fmt.Errorf("memory.pools.%s must be positive, got %d", name, count)
		}
		d[t].Count = count
	}
	d[memp.PBufPool].Size = c.Memory.PoolBufSize
	return d, nil
}

// ToStackOptions converts c into the options of a stack with the ipv4,
// arp, udp and tcp protocols. clock and logger may be nil.
func (c *Config) ToStackOptions(clock tcpip.Clock, logger log.Logger) (stack.Options, error) {
	pools, err := c.pools()
	if err != nil {
		return stack.Options{}, err
	}

	icmpLimit := rate.Limit(c.IP.ICMPRateLimit)
	if c.IP.ICMPRateLimit < 0 {
		icmpLimit = rate.Inf
	}
	ipOpts := ipv4.Options{
		DefaultTTL:           c.IP.DefaultTTL,
		Forwarding:           c.IP.Forwarding,
		ReassemblyBufferSize: c.IP.ReassemblyBufferSize,
		ReassemblyMaxAge:     c.IP.ReassemblyMaxAge,
		ReassemblyTick:       time.Duration(c.IP.ReassemblyTick),
		ICMPRateLimit:        icmpLimit,
		ICMPBurst:            c.IP.ICMPBurst,
	}
	arpOpts := arp.Options{
		TableSize:  c.ARP.TableSize,
		MaxAge:     c.ARP.MaxAge,
		MaxPending: c.ARP.MaxPending,
		Tick:       time.Duration(c.ARP.Tick),
	}

	return stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocolWithOptions(ipOpts),
			arp.NewProtocolWithOptions(arpOpts),
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			udp.NewProtocol,
			tcp.NewProtocolWithOptions(c.TCP.options()),
		},
		Clock:           clock,
		HeapSize:        c.Memory.HeapSize,
		Pools:           pools,
		MailboxSize:     c.Memory.MailboxSize,
		Logger:          logger,
		DropLogInterval: time.Duration(c.Log.DropInterval),
	}, nil
}

func (t *TCP) options() tcp.Options {
	return tcp.Options{
		MSS:               t.MSS,
		ReceiveWindow:     t.ReceiveWindow,
		SendBufferSize:    t.SendBufferSize,
		SendQueueLen:      t.SendQueueLen,
		MaxRetransmits:    t.MaxRetransmits,
		MaxSynRetransmits: t.MaxSynRetransmits,
		TimerInterval:     time.Duration(t.TimerInterval),
		InitialRTO:        time.Duration(t.InitialRTO),
		FinWait2Timeout:   time.Duration(t.FinWait2Timeout),
		SynRcvdTimeout:    time.Duration(t.SynRcvdTimeout),
		MSL:               time.Duration(t.MSL),
		KeepaliveIdle:     time.Duration(t.KeepaliveIdle),
		KeepaliveInterval: time.Duration(t.KeepaliveInterval),
		KeepaliveCount:    t.KeepaliveCount,
	}
}

// DeviceName returns the host device backing the interface.
func (i *Interface) DeviceName() string {
	if i.Device != "" {
		return i.Device
	}
	return i.Name
}

// Ethernet reports whether the interface is a TAP interface.
func (i *Interface) Ethernet() bool {
	return i.Mode == ModeTAP
}

// NICConfig parses the interface addressing.
func (i *Interface) NICConfig() (stack.NICConfig, error) {
	switch i.Mode {
	case ModeTUN, ModeTAP:
	default:
		return stack.NICConfig{}, fmt.Errorf("interface %q: mode must be %q or %q, got %q", i.Name, ModeTUN, ModeTAP, i.Mode)
	}
	cfg := stack.NICConfig{
		Name:  i.Name,
		MTU:   i.MTU,
		Flags: stack.FlagUp | stack.FlagLinkUp,
	}
	for _, a := range []struct {
		field string
		s     string
		dst   *tcpip.Address
	}{
		{"address", i.Address, &cfg.Addr},
		{"netmask", i.Netmask, &cfg.Netmask},
		{"gateway", i.Gateway, &cfg.Gateway},
	} {
		if a.s == "" {
			continue
		}
		v, err := tcpip.ParseAddress(a.s)
		if err != nil {
			return stack.NICConfig{}, fmt.Errorf("interface %q: %s: %w", i.Name, a.field, err)
		}
		*a.dst = v
	}
	if cfg.Addr.IsAny() {
		return stack.NICConfig{}, fmt.Errorf("interface %q: missing address", i.Name)
	}
	if cfg.Netmask.IsAny() {
		cfg.Netmask = tcpip.AddrFrom4(255, 255, 255, 0)
	}
	return cfg, nil
}

// LinkAddress parses the MAC of a TAP interface. A TAP interface without
// one gets a locally administered address derived from its IP address.
func (i *Interface) LinkAddress() (tcpip.LinkAddress, error) {
	if !i.Ethernet() {
		return tcpip.LinkAddress{}, nil
	}
	if i.MAC != "" {
		a, err := tcpip.ParseMACAddress(i.MAC)
		if err != nil {
			return tcpip.LinkAddress{}, fmt.Errorf("interface %q: mac: %w", i.Name, err)
		}
		return a, nil
	}
	ip, err := tcpip.ParseAddress(i.Address)
	if err != nil {
		return tcpip.LinkAddress{}, fmt.Errorf("interface %q: address: %w", i.Name, err)
	}
	return tcpip.LinkAddress{0x02, 0x00, ip[0], ip[1], ip[2], ip[3]}, nil
}
