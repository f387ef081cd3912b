// Copyright 2018 The gVisor Authors.
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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// For consumers, the only function of interest is New(), everything else is
// provided by the tcpip/public package.
//
// A Stack owns every piece of mutable state of one stack instance: the
// heap arena and object pools, the interfaces, the protocol instances with
// their tables, and the timeout list. All protocol processing runs under
// one core lock, either on the loop started by Run or inside Do.
package stack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ipstack/ipstack/pkg/log"
	"github.com/ipstack/ipstack/pkg/tcpip"
	"github.com/ipstack/ipstack/pkg/tcpip/buffer"
	"github.com/ipstack/ipstack/pkg/tcpip/header"
	"github.com/ipstack/ipstack/pkg/tcpip/mem"
	"github.com/ipstack/ipstack/pkg/tcpip/memp"
	"github.com/ipstack/ipstack/pkg/tcpip/ports"
	"github.com/ipstack/ipstack/pkg/tcpip/timer"
)

const (
	// DefaultHeapSize is the default size of the heap arena.
	DefaultHeapSize = 64 << 10

	// DefaultMailboxSize is the default capacity of the loop mailbox.
	DefaultMailboxSize = 128

	// DefaultPoolBufSize is the default size of a pool packet buffer, an
	// Ethernet frame plus headroom.
	DefaultPoolBufSize = 1536

	// DefaultDropLogInterval is the default minimum interval between two
	// packet drop log statements.
	DefaultDropLogInterval = time.Second
)

// DefaultPools returns the default pool layout.
func DefaultPools() [memp.NumTypes]memp.Desc {
	var d [memp.NumTypes]memp.Desc
	d[memp.PBuf] = memp.Desc{Count: 16}
	d[memp.PBufPool] = memp.Desc{Size: DefaultPoolBufSize, Count: 32}
	d[memp.UDPPCB] = memp.Desc{Count: 8}
	d[memp.TCPPCB] = memp.Desc{Count: 8}
	d[memp.TCPPCBListen] = memp.Desc{Count: 4}
	d[memp.TCPSeg] = memp.Desc{Count: 64}
	d[memp.SysTimeout] = memp.Desc{Count: 16}
	return d
}

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// TransportProtocols lists the transport protocols to enable.
	TransportProtocols []TransportProtocolFactory

	// Clock is an optional clock source used for timestamps and timers.
	// If Clock is nil, a clock based on the time package is used.
	Clock tcpip.Clock

	// Stats are optional statistic counters.
	Stats tcpip.Stats

	// HeapSize is the size of the heap arena. Zero means DefaultHeapSize.
	HeapSize int

	// Pools describes the object pools. A zero Count everywhere selects
	// DefaultPools.
	Pools [memp.NumTypes]memp.Desc

	// MailboxSize is the capacity of the loop mailbox.
	MailboxSize int

	// Logger receives stack logging. If nil, the global logger is used.
	Logger log.Logger

	// DropLogInterval rate limits packet drop logging.
	DropLogInterval time.Duration
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	// mu is the core lock. It is held for all protocol processing.
	mu sync.Mutex

	clock    tcpip.Clock
	stats    tcpip.Stats
	heap     *mem.Arena
	pools    *memp.Pools
	alloc    *buffer.Allocator
	timeouts *timer.Timeouts

	// PortManager is guarded by mu.
	portManager *ports.PortManager

	networkProtocols   map[tcpip.NetworkProtocolNumber]NetworkProtocol
	transportProtocols map[tcpip.TransportProtocolNumber]TransportProtocol
	ip                 IPLayer
	resolver           LinkAddressResolver

	nics       []*NIC
	defaultNIC *NIC

	mbox    chan func()
	running atomic.Bool

	logger  log.Logger
	dropLog log.Logger
}

// New allocates a new networking stack with the given protocols. It panics
// if the pools or the heap cannot be carved, which is not recoverable.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.NewStdClock()
	}
	stats := opts.Stats.FillIn()

	pools := opts.Pools
	empty := true
	for _, d := range pools {
		if d.Count != 0 {
			empty = false
			break
		}
	}
	if empty {
		pools = DefaultPools()
	}
	if pools[memp.PBufPool].Size <= header.EthernetMinimumSize+header.IPv4MaximumHeaderSize {
		panic(fmt.Sprintf("stack: pool buffer size %d cannot hold link and IP headers", pools[memp.PBufPool].Size))
	}
	heapSize := opts.HeapSize
	if heapSize == 0 {
		heapSize = DefaultHeapSize
	}
	mbox := opts.MailboxSize
	if mbox <= 0 {
		mbox = DefaultMailboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Log()
	}
	every := opts.DropLogInterval
	if every <= 0 {
		every = DefaultDropLogInterval
	}

	s := &Stack{
		clock:              clock,
		stats:              stats,
		heap:               mem.New(heapSize, &stats.Memory),
		networkProtocols:   make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		transportProtocols: make(map[tcpip.TransportProtocolNumber]TransportProtocol),
		portManager:        ports.NewPortManager(),
		mbox:               make(chan func(), mbox),
		logger:             logger,
		dropLog:            log.RateLimitedLogger(logger, every),
	}
	s.pools = memp.New(pools, &s.stats.Memory)
	s.alloc = buffer.NewAllocator(s.pools, s.heap)
	s.timeouts = timer.New(clock, s.pools)

	// Add specified network protocols.
	for _, f := range opts.NetworkProtocols {
		p := f(s)
		s.networkProtocols[p.Number()] = p
		if ip, ok := p.(IPLayer); ok {
			s.ip = ip
		}
		if r, ok := p.(LinkAddressResolver); ok {
			s.resolver = r
		}
	}

	// Add specified transport protocols.
	for _, f := range opts.TransportProtocols {
		p := f(s)
		s.transportProtocols[p.Number()] = p
	}

	return s
}

// Clock returns the stack's clock.
func (s *Stack) Clock() tcpip.Clock { return s.clock }

// Stats returns a mutable copy of the current stats.
func (s *Stack) Stats() *tcpip.Stats { return &s.stats }

// Allocator returns the packet buffer allocator.
func (s *Stack) Allocator() *buffer.Allocator { return s.alloc }

// Pools returns the object pools.
func (s *Stack) Pools() *memp.Pools { return s.pools }

// Heap returns the heap arena.
func (s *Stack) Heap() *mem.Arena { return s.heap }

// Logger returns the stack logger.
func (s *Stack) Logger() log.Logger { return s.logger }

// DropLogger returns the rate limited logger used on packet drop paths.
func (s *Stack) DropLogger() log.Logger { return s.dropLog }

// PortManager returns the port manager shared by the transport protocols.
func (s *Stack) PortManager() *ports.PortManager { return s.portManager }

// IP returns the IP layer, or nil if none was registered.
func (s *Stack) IP() IPLayer { return s.ip }

// LinkResolver returns the link address resolver, or nil.
func (s *Stack) LinkResolver() LinkAddressResolver { return s.resolver }

// NetworkProtocolInstance returns the protocol instance in the stack for the
// specified network protocol, or nil.
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	return s.networkProtocols[num]
}

// TransportProtocolInstance returns the protocol instance in the stack for
// the specified transport protocol, or nil.
func (s *Stack) TransportProtocolInstance(num tcpip.TransportProtocolNumber) TransportProtocol {
	return s.transportProtocols[num]
}

// AddTimeout schedules fn to run once after d on the stack loop.
func (s *Stack) AddTimeout(d time.Duration, fn func()) (*timer.Handle, *tcpip.Error) {
	return s.timeouts.Add(d, fn)
}

// AddCyclicTimeout schedules fn to run every period on the stack loop.
func (s *Stack) AddCyclicTimeout(period time.Duration, fn func()) (*timer.Handle, *tcpip.Error) {
	return s.timeouts.AddCyclic(period, fn)
}

// CreateNIC creates a NIC with the provided id, link endpoint and
// addressing, and attaches the endpoint to it.
func (s *Stack) CreateNIC(id tcpip.NICID, ep LinkEndpoint, cfg NICConfig) *tcpip.Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep == nil {
		return tcpip.ErrBadLinkEndpoint
	}
	for _, n := range s.nics {
		if n.id == id {
			return tcpip.ErrDuplicateNICID
		}
	}
	n := newNIC(s, id, ep, cfg)
	s.nics = append(s.nics, n)
	ep.Attach(n)
	s.logger.Infof("created %s", n)
	return nil
}

// NIC returns the NIC with the given id, or nil.
func (s *Stack) NIC(id tcpip.NICID) *NIC {
	for _, n := range s.nics {
		if n.id == id {
			return n
		}
	}
	return nil
}

// NICs returns the interfaces in creation order.
func (s *Stack) NICs() []*NIC {
	return append([]*NIC(nil), s.nics...)
}

// SetDefaultNIC selects the interface used when no subnet matches.
func (s *Stack) SetDefaultNIC(id tcpip.NICID) *tcpip.Error {
	n := s.NIC(id)
	if n == nil {
		return tcpip.ErrUnknownNICID
	}
	s.defaultNIC = n
	return nil
}

// FindRoute returns the interface to send to dst: the first interface that
// is up and whose subnet contains dst, else the default interface if it is
// up, else nil.
func (s *Stack) FindRoute(dst tcpip.Address) *NIC {
	for _, n := range s.nics {
		if n.IsUp() && !n.addr.IsAny() && dst.SameNet(n.addr, n.netmask) {
			return n
		}
	}
	if s.defaultNIC != nil && s.defaultNIC.IsUp() {
		return s.defaultNIC
	}
	return nil
}

// FindLocalNIC returns the interface that owns addr, or nil.
func (s *Stack) FindLocalNIC(addr tcpip.Address) *NIC {
	for _, n := range s.nics {
		if n.addr == addr {
			return n
		}
	}
	return nil
}

// Run drives the stack: it runs timeouts as they fall due and executes
// posted work, each under the core lock, until ctx is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("stack is already running")
	}
	defer s.running.Store(false)

	for {
		fn, err := timer.Fetch(ctx, s.mbox, s.timeouts, &s.mu)
		if err != nil {
			return err
		}
		if fn == nil {
			continue
		}
		s.mu.Lock()
		fn()
		s.mu.Unlock()
	}
}

// Running reports whether Run is active.
func (s *Stack) Running() bool {
	return s.running.Load()
}

// Post queues fn to run on the stack loop. It fails with
// ErrStackNotRunning if Run is not active and with ErrWouldBlock if the
// mailbox is full.
func (s *Stack) Post(fn func()) *tcpip.Error {
	if !s.running.Load() {
		return tcpip.ErrStackNotRunning
	}
	select {
	case s.mbox <- fn:
		return nil
	default:
		return tcpip.ErrWouldBlock
	}
}

// Do runs fn under the core lock and returns when it is done. It is how
// code outside the stack calls protocol functions. It must not be called
// from protocol callbacks, which already hold the lock.
func (s *Stack) Do(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()

	// fn may have added a timeout earlier than the one the loop sleeps
	// on; wake it to recompute.
	if s.running.Load() {
		select {
		case s.mbox <- nil:
		default:
		}
	}
}

// RunTimers runs every due timeout under the core lock and returns how
// many ran. It serves callers that drive the stack without Run.
func (s *Stack) RunTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeouts.RunDue()
}
