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

//go:build linux

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/vishvananda/netlink"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ipstack/ipstack/ipstack/config"
	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/link/tun"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/udp"
)

// defaultDeviceMTU is used for interfaces that do not set an MTU.
const defaultDeviceMTU = 1500

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	echoPort    uint
	metricsFile string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "run a stack on TUN/TAP devices"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return `serve [flags] - creates the interfaces of the configuration on host TUN/TAP devices and runs the stack until interrupted.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.UintVar(&s.echoPort, "echo-port", 0, "UDP echo port, overrides echo.port of the configuration.")
	f.StringVar(&s.metricsFile, "metrics-file", "", "metrics exposition file, overrides metrics.file of the configuration.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args).Clone()
	if s.echoPort != 0 {
		if s.echoPort > 0xffff {
			return Errorf("serve: invalid echo port %d", s.echoPort)
		}
		conf.Echo.Port = uint16(s.echoPort)
	}
	if s.metricsFile != "" {
		conf.Metrics.File = s.metricsFile
	}
	if len(conf.Interfaces) == 0 {
		return Errorf("serve: no interfaces configured")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := serve(ctx, conf); err != nil {
		return Errorf("serve: %v", err)
	}
	return subcommands.ExitSuccess
}

// device is an opened host device backing one NIC.
type device struct {
	name string
	fd   int
	ep   *tun.Endpoint
	lock *flock.Flock
}

func (d *device) close() {
	if d.ep != nil {
		d.ep.Close()
	}
	if d.fd >= 0 {
		unix.Close(d.fd)
	}
	if d.lock != nil {
		d.lock.Unlock()
	}
}

func serve(ctx context.Context, conf *config.Config) error {
	s, err := newStack(conf)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var devices []*device
	defer func() {
		for _, d := range devices {
			d.close()
		}
	}()
	for i := range conf.Interfaces {
		ifc := &conf.Interfaces[i]
		d, err := openDevice(conf, ifc, func(err error) {
			log.Warningf("%s: device failed, stopping: %v", ifc.Name, err)
			cancel()
		})
		if err != nil {
			return err
		}
		devices = append(devices, d)

		nicCfg, err := ifc.NICConfig()
		if err != nil {
			return err
		}
		id := tcpip.NICID(i + 1)
		if err := s.CreateNIC(id, d.ep, nicCfg); err != nil {
			return fmt.Errorf("creating NIC %q: %w", ifc.Name, err)
		}
		if ifc.Default {
			s.SetDefaultNIC(id)
		}
	}

	if conf.Echo.Port != 0 {
		if err := startEcho(s, conf.Echo.Port); err != nil {
			return err
		}
		log.Infof("UDP echo listening on port %d", conf.Echo.Port)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runStack(gctx, s) })
	if conf.Metrics.File != "" {
		g.Go(func() error {
			return exportMetrics(gctx, s, conf.Metrics.File, time.Duration(conf.Metrics.Interval))
		})
	}
	return g.Wait()
}

// openDevice locks and opens the host device of ifc, configures its host
// side and wraps it in a link endpoint.
func openDevice(conf *config.Config, ifc *config.Interface, closed func(error)) (*device, error) {
	d := &device{name: ifc.DeviceName(), fd: -1}

	if err := os.MkdirAll(conf.LockDir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(filepath.Join(conf.LockDir, d.name+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", d.name, err)
	}
	if !ok {
		return nil, fmt.Errorf("device %s is in use by another stack", d.name)
	}
	d.lock = lock

	open := tun.Open
	if ifc.Ethernet() {
		open = tun.OpenTAP
	}
	if d.fd, d.name, err = open(d.name); err != nil {
		d.close()
		return nil, err
	}

	mtu := ifc.MTU
	if mtu == 0 {
		mtu = defaultDeviceMTU
	}
	if err := configureHostLink(d.name, mtu, ifc.HostAddress); err != nil {
		d.close()
		return nil, err
	}

	mac, err := ifc.LinkAddress()
	if err != nil {
		d.close()
		return nil, err
	}
	if d.ep, err = tun.New(&tun.Options{
		FD:         d.fd,
		MTU:        mtu,
		Ethernet:   ifc.Ethernet(),
		Address:    mac,
		ClosedFunc: closed,
	}); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// configureHostLink sets the MTU and optional address of the host side of
// the device and brings it up.
func configureHostLink(name string, mtu uint32, hostAddr string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("looking up link %q: %w", name, err)
	}
	if err := netlink.LinkSetMTU(link, int(mtu)); err != nil {
		return fmt.Errorf("setting MTU of %q: %w", name, err)
	}
	if hostAddr != "" {
		addr, err := netlink.ParseAddr(hostAddr)
		if err != nil {
			return fmt.Errorf("parsing host address %q: %w", hostAddr, err)
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("adding %s to %q: %w", hostAddr, name, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bringing up %q: %w", name, err)
	}
	return nil
}

// startEcho opens a UDP endpoint on port that sends every datagram back to
// its source.
func startEcho(s *stack.Stack, port uint16) error {
	var err *tcpip.Error
	s.Do(func() {
		var ep *udp.Endpoint
		if ep, err = udp.NewEndpoint(s); err != nil {
			return
		}
		if err = ep.Bind(tcpip.AnyAddress, port); err != nil {
			ep.Close()
			return
		}
		ep.SetRecv(func(ep *udp.Endpoint, pkt *buffer.Buffer, src tcpip.FullAddress) {
			if err := ep.SendTo(pkt, src.Addr, src.Port); err != nil {
				s.DropLogger().Debugf("echo: reply to %s: %s", src, err)
			}
			pkt.Free()
		})
	})
	if err != nil {
		return fmt.Errorf("starting UDP echo on port %d: %w", port, err)
	}
	return nil
}

// exportMetrics rewrites path with the metrics of s every interval, and
// once more when ctx is done.
func exportMetrics(ctx context.Context, s *stack.Stack, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := writeMetricsFile(s, path); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return writeMetricsFile(s, path)
		case <-t.C:
		}
	}
}

// writeMetricsFile replaces path atomically.
func writeMetricsFile(s *stack.Stack, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := s.WriteMetrics(f); err != nil {
		f.Close()
		return fmt.Errorf("writing metrics: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
