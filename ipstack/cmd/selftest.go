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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"github.com/ipstack/ipstack/ipstack/config"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/link/pipe"
	"github.com/ipstack/ipstack/pkg/tcpip/network/arp"
	"github.com/ipstack/ipstack/pkg/tcpip/network/ipv4"
	"github.com/ipstack/ipstack/pkg/tcpip/stack"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/tcp"
	"github.com/ipstack/ipstack/pkg/tcpip/transport/udp"
)

// Selftest implements subcommands.Command for the "selftest" command.
type Selftest struct {
	pings    int
	udpSize  int
	tcpBytes int
	timeout  time.Duration
}

// Name implements subcommands.Command.Name.
func (*Selftest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Selftest) Synopsis() string {
	return "run two stacks back to back and exercise every protocol"
}

// Usage implements subcommands.Command.Usage.
func (*Selftest) Usage() string {
	return `selftest [flags] - connects two in-process stacks over a pipe and runs ARP resolution, ICMP echo, a fragmented UDP echo and a TCP transfer.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (st *Selftest) SetFlags(f *flag.FlagSet) {
	st.register(f)
}

func (st *Selftest) register(f *flag.FlagSet) {
	f.IntVar(&st.pings, "pings", 3, "number of ICMP echo requests.")
	f.IntVar(&st.udpSize, "udp-size", 4000, "size of the UDP datagram echoed, larger than the MTU to force fragmentation.")
	f.IntVar(&st.tcpBytes, "tcp-bytes", 64<<10, "number of bytes sent over TCP.")
	f.DurationVar(&st.timeout, "timeout", 30*time.Second, "overall time limit.")
}

// Execute implements subcommands.Command.Execute.
func (st *Selftest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := confFromArgs(args)
	env, err := newSelftestEnv(conf)
	if err != nil {
		return Errorf("selftest: %v", err)
	}
	if err := env.run(ctx, st.params(), os.Stdout); err != nil {
		return Errorf("selftest: %v", err)
	}
	return subcommands.ExitSuccess
}

func (st *Selftest) params() selftestParams {
	return selftestParams{
		pings:    st.pings,
		udpSize:  st.udpSize,
		tcpBytes: st.tcpBytes,
		timeout:  st.timeout,
	}
}

type selftestParams struct {
	pings    int
	udpSize  int
	tcpBytes int
	timeout  time.Duration
}

const (
	selftestEchoIdent = 0x1b5
	selftestUDPPort   = 7
	selftestTCPPort   = 5001

	// replyTimeout bounds the wait for one answer before it is retried.
	replyTimeout = 500 * time.Millisecond
)

var (
	selftestAddrA = tcpip.AddrFrom4(192, 168, 100, 1)
	selftestAddrB = tcpip.AddrFrom4(192, 168, 100, 2)
	selftestMask  = tcpip.AddrFrom4(255, 255, 255, 0)
	selftestMACA  = tcpip.LinkAddress{0x02, 0, 0, 0, 0, 0x01}
	selftestMACB  = tcpip.LinkAddress{0x02, 0, 0, 0, 0, 0x02}
)

// selftestEnv is a pair of stacks joined by an Ethernet pipe. Stack a is
// the client; stack b runs the UDP echo and TCP sink services.
type selftestEnv struct {
	a, b     *stack.Stack
	epA, epB *pipe.Endpoint
}

func newSelftestEnv(conf *config.Config) (*selftestEnv, error) {
	a, err := newStack(conf)
	if err != nil {
		return nil, err
	}
	b, err := newStack(conf)
	if err != nil {
		return nil, err
	}
	epA, epB := pipe.New(selftestMACA, selftestMACB, pipe.Options{MTU: 1500, Ethernet: true})
	env := &selftestEnv{a: a, b: b, epA: epA, epB: epB}
	for _, n := range []struct {
		s    *stack.Stack
		ep   *pipe.Endpoint
		name string
		addr tcpip.Address
	}{
		{a, epA, "a0", selftestAddrA},
		{b, epB, "b0", selftestAddrB},
	} {
		if err := n.s.CreateNIC(1, n.ep, stack.NICConfig{
			Name:    n.name,
			Addr:    n.addr,
			Netmask: selftestMask,
			Flags:   stack.FlagUp | stack.FlagLinkUp,
		}); err != nil {
			env.close()
			return nil, fmt.Errorf("creating %s: %w", n.name, err)
		}
	}
	return env, nil
}

func (env *selftestEnv) close() {
	env.epA.Close()
	env.epB.Close()
}

// run drives both stacks while the steps execute, then stops them.
func (env *selftestEnv) run(ctx context.Context, p selftestParams, w io.Writer) error {
	defer env.close()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return runStack(gctx, env.a) })
	g.Go(func() error { return runStack(gctx, env.b) })
	g.Go(func() error {
		defer stopLoops()
		return env.steps(gctx, p, w)
	})
	return g.Wait()
}

func (env *selftestEnv) steps(ctx context.Context, p selftestParams, w io.Writer) error {
	if err := env.startServices(); err != nil {
		return err
	}

	start := time.Now()
	if err := env.ping(ctx, p.pings); err != nil {
		return fmt.Errorf("icmp: %w", err)
	}
	var mac tcpip.LinkAddress
	var ok bool
	env.a.Do(func() { mac, ok = arp.Lookup(env.a, selftestAddrB) })
	if !ok {
		return fmt.Errorf("arp: %s not resolved after echo", selftestAddrB)
	}
	fmt.Fprintf(w, "arp:  %s is at %s\n", selftestAddrB, mac)
	fmt.Fprintf(w, "icmp: %d echo replies in %v\n", p.pings, time.Since(start).Round(time.Millisecond))

	start = time.Now()
	frags := env.a.Stats().IP.FragmentsCreated.Value()
	if err := env.udpEcho(ctx, p.udpSize); err != nil {
		return fmt.Errorf("udp: %w", err)
	}
	frags = env.a.Stats().IP.FragmentsCreated.Value() - frags
	fmt.Fprintf(w, "udp:  %d byte datagram echoed as %d fragments in %v\n", p.udpSize, frags, time.Since(start).Round(time.Millisecond))

	start = time.Now()
	if err := env.tcpTransfer(ctx, p.tcpBytes); err != nil {
		return fmt.Errorf("tcp: %w", err)
	}
	fmt.Fprintf(w, "tcp:  %d bytes transferred in %v, %d retransmissions\n", p.tcpBytes, time.Since(start).Round(time.Millisecond), env.a.Stats().TCP.Retransmits.Value())
	return nil
}

// tcpSink counts the bytes of one connection on stack b.
type tcpSink struct {
	received int
	done     chan int
}

// startServices opens the UDP echo and TCP sink endpoints on stack b.
func (env *selftestEnv) startServices() error {
	var err *tcpip.Error
	env.b.Do(func() {
		var u *udp.Endpoint
		if u, err = udp.NewEndpoint(env.b); err != nil {
			return
		}
		if err = u.Bind(tcpip.AnyAddress, selftestUDPPort); err != nil {
			u.Close()
			return
		}
		u.SetRecv(func(ep *udp.Endpoint, pkt *buffer.Buffer, src tcpip.FullAddress) {
			ep.SendTo(pkt, src.Addr, src.Port)
			pkt.Free()
		})
	})
	if err != nil {
		return fmt.Errorf("udp echo: %w", err)
	}
	return nil
}

// ping sends count echo requests from a to b, retrying each until its
// reply arrives. The first request also resolves b's link address.
func (env *selftestEnv) ping(ctx context.Context, count int) error {
	replies := make(chan uint16, count+8)
	env.a.Do(func() {
		ipv4.SetEchoHandler(env.a, func(src tcpip.Address, ident, seq uint16, _ []byte) {
			if src != selftestAddrB || ident != selftestEchoIdent {
				return
			}
			select {
			case replies <- seq:
			default:
			}
		})
	})
	defer env.a.Do(func() { ipv4.SetEchoHandler(env.a, nil) })

	payload := []byte("ipstack selftest")
	for i := 1; i <= count; i++ {
		seq := uint16(i)
		op := func() error {
			var err *tcpip.Error
			env.a.Do(func() { err = ipv4.SendEcho(env.a, selftestAddrB, selftestEchoIdent, seq, payload) })
			if err != nil {
				return err
			}
			return waitFor(ctx, replies, func(got uint16) bool { return got == seq })
		}
		if err := retry(ctx, op); err != nil {
			return fmt.Errorf("echo %d: %w", seq, err)
		}
	}
	return nil
}

// udpEcho sends one datagram of size bytes from a to the echo service and
// checks that the same bytes come back.
func (env *selftestEnv) udpEcho(ctx context.Context, size int) error {
	want := pattern(size)
	got := make(chan []byte, 4)

	var ep *udp.Endpoint
	var err *tcpip.Error
	env.a.Do(func() {
		if ep, err = udp.NewEndpoint(env.a); err != nil {
			return
		}
		ep.SetRecv(func(_ *udp.Endpoint, pkt *buffer.Buffer, _ tcpip.FullAddress) {
			select {
			case got <- pkt.ToBytes():
			default:
			}
			pkt.Free()
		})
	})
	if err != nil {
		return err
	}
	defer env.a.Do(ep.Close)

	op := func() error {
		var err *tcpip.Error
		env.a.Do(func() {
			var pkt *buffer.Buffer
			if pkt, err = env.a.Allocator().Alloc(buffer.Transport, size, buffer.Heap); err != nil {
				return
			}
			defer pkt.Free()
			pkt.CopyFrom(want)
			err = ep.SendTo(pkt, selftestAddrB, selftestUDPPort)
		})
		if err != nil {
			return err
		}
		return waitFor(ctx, got, func(b []byte) bool { return bytes.Equal(b, want) })
	}
	return retry(ctx, op)
}

// tcpTransfer connects a to the sink on b, sends n bytes and closes. It
// returns once b has seen the end of the stream.
func (env *selftestEnv) tcpTransfer(ctx context.Context, n int) error {
	data := pattern(n)
	sink := &tcpSink{done: make(chan int, 1)}
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	var l *tcp.Endpoint
	var err *tcpip.Error
	env.b.Do(func() {
		if l, err = tcp.NewEndpoint(env.b); err != nil {
			return
		}
		if err = l.Bind(tcpip.AnyAddress, selftestTCPPort); err != nil {
			l.Close()
			return
		}
		l.SetRecv(func(ep *tcp.Endpoint, pkt *buffer.Buffer) {
			if pkt == nil {
				ep.Close()
				sink.done <- sink.received
				return
			}
			b := pkt.ToBytes()
			pkt.Free()
			if end := sink.received + len(b); end > n || !bytes.Equal(b, data[sink.received:end]) {
				fail(fmt.Errorf("sink: stream differs at byte %d", sink.received))
			}
			sink.received += len(b)
			ep.Recved(len(b))
		})
		l.SetAccept(func(*tcp.Endpoint) *tcpip.Error { return nil })
		l.SetErr(func(_ *tcp.Endpoint, err *tcpip.Error) { fail(fmt.Errorf("sink: %w", err)) })
		if err = l.Listen(); err != nil {
			l.Close()
		}
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer env.b.Do(func() { l.Close() })

	sent := 0
	closed := false
	fill := func(ep *tcp.Endpoint) {
		for sent < n {
			m := min(n-sent, ep.MSS(), ep.SendBufferAvailable())
			if m <= 0 {
				break
			}
			if err := ep.Write(data[sent:sent+m], true); err != nil {
				if err != tcpip.ErrQueueTooLong && err != tcpip.ErrNoBufferSpace {
					fail(fmt.Errorf("write: %w", err))
				}
				break
			}
			sent += m
		}
		if sent == n && !closed {
			closed = true
			ep.Close()
		}
		ep.Output()
	}

	env.a.Do(func() {
		var c *tcp.Endpoint
		if c, err = tcp.NewEndpoint(env.a); err != nil {
			return
		}
		c.SetConnected(func(ep *tcp.Endpoint, err *tcpip.Error) {
			if err != nil {
				fail(fmt.Errorf("connect: %w", err))
				return
			}
			fill(ep)
		})
		c.SetSent(func(ep *tcp.Endpoint, _ int) { fill(ep) })
		c.SetErr(func(_ *tcp.Endpoint, err *tcpip.Error) { fail(fmt.Errorf("client: %w", err)) })
		err = c.Connect(selftestAddrB, selftestTCPPort)
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	select {
	case got := <-sink.done:
		if got != n {
			return fmt.Errorf("sink received %d bytes, want %d", got, n)
		}
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs op until it succeeds, with a short constant backoff between
// attempts.
func retry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 10), ctx)
	return backoff.Retry(func() error {
		err := op()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

var errNoReply = errors.New("no reply")

// waitFor reads c until match accepts a value or replyTimeout passes.
func waitFor[T any](ctx context.Context, c <-chan T, match func(T) bool) error {
	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()
	for {
		select {
		case v := <-c:
			if match(v) {
				return nil
			}
		case <-timer.C:
			return errNoReply
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pattern returns n bytes of a repeating, non-trivial pattern.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}
