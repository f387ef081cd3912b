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

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}

func TestDefaultPoolsMatchStack(t *testing.T) {
	c := Default()
	opts, err := c.ToStackOptions(nil, nil)
	if err != nil {
		t.Fatalf("ToStackOptions: %v", err)
	}
	if diff := cmp.Diff(stack.DefaultPools(), opts.Pools); diff != "" {
		t.Errorf("pools mismatch (-want +got):\n%s", diff)
	}
	if got, want := len(opts.NetworkProtocols), 2; got != want {
		t.Errorf("got %d network protocols, want %d", got, want)
	}
	if got, want := len(opts.TransportProtocols), 2; got != want {
		t.Errorf("got %d transport protocols, want %d", got, want)
	}
}

const tomlConfig = `
lock_dir = "/run/ipstack"

[memory]
heap_size = 32768
[memory.pools]
tcp_seg = 128

[tcp]
mss = 1460
keepalive_idle = "30s"

[log]
level = "debug"
format = "json"

[echo]
port = 7

[[interface]]
name = "tap0"
mode = "tap"
address = "10.1.0.2"
netmask = "255.255.0.0"
gateway = "10.1.0.1"
mac = "02:00:00:00:00:01"
default = true
`

const yamlConfig = `
lock_dir: /run/ipstack
memory:
  heap_size: 32768
  pools:
    tcp_seg: 128
tcp:
  mss: 1460
  keepalive_idle: 30s
log:
  level: debug
  format: json
echo:
  port: 7
interfaces:
  - name: tap0
    mode: tap
    address: 10.1.0.2
    netmask: 255.255.0.0
    gateway: 10.1.0.1
    mac: "02:00:00:00:00:01"
    default: true
`

func wantDecoded() *Config {
	c := Default()
	c.LockDir = "/run/ipstack"
	c.Memory.HeapSize = 32768
	c.Memory.Pools[memp.TCPSeg.String()] = 128
	c.TCP.MSS = 1460
	c.TCP.KeepaliveIdle = Duration(30 * time.Second)
	c.Log.Level = log.Debug
	c.Log.Format = log.FormatJSON
	c.Echo.Port = 7
	c.Interfaces = []Interface{{
		Name:    "tap0",
		Mode:    ModeTAP,
		Address: "10.1.0.2",
		Netmask: "255.255.0.0",
		Gateway: "10.1.0.1",
		MAC:     "02:00:00:00:00:01",
		Default: true,
	}}
	return c
}

func TestDecode(t *testing.T) {
	for _, tc := range []struct {
		format string
		input  string
	}{
		{FormatTOML, tomlConfig},
		{FormatYAML, yamlConfig},
	} {
		t.Run(tc.format, func(t *testing.T) {
			c, err := Decode(strings.NewReader(tc.input), tc.format)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := cmp.Diff(wantDecoded(), c); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	for _, format := range []string{FormatTOML, FormatYAML} {
		t.Run(format, func(t *testing.T) {
			want := wantDecoded()
			var buf bytes.Buffer
			if err := want.Encode(&buf, format); err != nil {
				t.Fatalf("Encode: %v", err)
			}
			got, err := Decode(&buf, format)
			if err != nil {
				t.Fatalf("Decode(%q): %v", buf.String(), err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	for _, tc := range []struct {
		format string
		input  string
	}{
		{FormatTOML, "[memory]\nheap_sise = 1\n"},
		{FormatYAML, "memory:\n  heap_sise: 1\n"},
	} {
		t.Run(tc.format, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tc.input), tc.format); err == nil {
				t.Errorf("Decode succeeded, want error")
			}
		})
	}
}

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	for name, content := range map[string]string{
		"a.toml": tomlConfig,
		"b.yaml": yamlConfig,
		"c.yml":  yamlConfig,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		c, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q): %v", name, err)
		}
		if diff := cmp.Diff(wantDecoded(), c); diff != "" {
			t.Errorf("Load(%q) mismatch (-want +got):\n%s", name, diff)
		}
	}

	path := filepath.Join(dir, "d.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("Load(%q) succeeded, want error", path)
	}
}

func TestClone(t *testing.T) {
	c := wantDecoded()
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Fatalf("clone mismatch (-want +got):\n%s", diff)
	}
	clone.Memory.Pools[memp.TCPSeg.String()] = 1
	clone.Interfaces[0].Name = "other"
	if got := c.Memory.Pools[memp.TCPSeg.String()]; got != 128 {
		t.Errorf("original pool count changed to %d", got)
	}
	if got := c.Interfaces[0].Name; got != "tap0" {
		t.Errorf("original interface name changed to %q", got)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
	}{
		{"zero heap", func(c *Config) { c.Memory.HeapSize = 0 }},
		{"unknown pool", func(c *Config) { c.Memory.Pools["nope"] = 1 }},
		{"empty pool", func(c *Config) { c.Memory.Pools[memp.TCPPCB.String()] = 0 }},
		{"mss above pool buffer", func(c *Config) { c.TCP.MSS = c.Memory.PoolBufSize + 1 }},
		{"window too large", func(c *Config) { c.TCP.ReceiveWindow = 0x10000 }},
		{"arp max pending", func(c *Config) { c.ARP.MaxPending = 1 }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"interface mode", func(c *Config) { c.Interfaces[0].Mode = "tap2" }},
		{"interface address", func(c *Config) { c.Interfaces[0].Address = "10.1.0" }},
		{"interface missing address", func(c *Config) { c.Interfaces[0].Address = "" }},
		{"interface mac", func(c *Config) { c.Interfaces[0].MAC = "02:00" }},
		{"host address without prefix", func(c *Config) { c.Interfaces[0].HostAddress = "10.1.0.1" }},
		{"duplicate interface", func(c *Config) { c.Interfaces = append(c.Interfaces, c.Interfaces[0]) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := wantDecoded()
			tc.modify(c)
			if err := c.Validate(); err == nil {
				t.Errorf("Validate succeeded, want error")
			}
		})
	}
}

func TestInterface(t *testing.T) {
	ifc := Interface{Name: "tun0", Mode: ModeTUN, Address: "192.168.7.2"}
	cfg, err := ifc.NICConfig()
	if err != nil {
		t.Fatalf("NICConfig: %v", err)
	}
	want := stack.NICConfig{
		Name:    "tun0",
		Addr:    tcpip.AddrFrom4(192, 168, 7, 2),
		Netmask: tcpip.AddrFrom4(255, 255, 255, 0),
		Flags:   stack.FlagUp | stack.FlagLinkUp,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("NICConfig mismatch (-want +got):\n%s", diff)
	}
	if got := ifc.DeviceName(); got != "tun0" {
		t.Errorf("DeviceName() = %q, want tun0", got)
	}

	tap := Interface{Name: "tap0", Device: "tap7", Mode: ModeTAP, Address: "192.168.7.2"}
	mac, err := tap.LinkAddress()
	if err != nil {
		t.Fatalf("LinkAddress: %v", err)
	}
	if want := (tcpip.LinkAddress{0x02, 0, 192, 168, 7, 2}); mac != want {
		t.Errorf("LinkAddress() = %s, want %s", mac, want)
	}
	if got := tap.DeviceName(); got != "tap7" {
		t.Errorf("DeviceName() = %q, want tap7", got)
	}
}
