// Copyright 2021 The gVisor Authors.
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

package tcpip

// Error represents an error in the netstack error space. Using a special type
// ensures that errors outside of this space are not accidentally introduced.
//
// Errors are compared by identity: every status code is one of the package
// level variables below.
type Error struct {
	msg string

	ignoreStats bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// Error implements error.Error so that a *Error can be wrapped by callers
// outside the stack.
func (e *Error) Error() string {
	return e.String()
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the network stack.
var (
	// Allocation.
	ErrNoBufferSpace = &Error{msg: "no buffer space available"}
	ErrInvalidHandle = &Error{msg: "invalid or stale allocator handle"}
	ErrHeaderSpace   = &Error{msg: "not enough header space in buffer"}

	// Validation.
	ErrMalformedHeader  = &Error{msg: "malformed header"}
	ErrBadChecksum      = &Error{msg: "checksum mismatch"}
	ErrMessageTooLong   = &Error{msg: "message too long"}
	ErrUnknownProtocol  = &Error{msg: "unknown protocol"}
	ErrNonUnicast       = &Error{msg: "non-unicast address rejected"}
	ErrBadLocalAddress  = &Error{msg: "bad local address"}
	ErrBadLinkEndpoint  = &Error{msg: "bad link layer endpoint"}
	ErrInvalidOption    = &Error{msg: "invalid option value specified"}
	ErrDuplicateNICID   = &Error{msg: "duplicate nic id"}
	ErrUnknownNICID     = &Error{msg: "unknown nic id"}
	ErrNotSupported     = &Error{msg: "operation not supported"}
	ErrFragmentTooLarge = &Error{msg: "fragment exceeds reassembly buffer"}

	// Routing and resolution.
	ErrNoRoute       = &Error{msg: "no route"}
	ErrNoLinkAddress = &Error{msg: "no remote link address"}
	ErrLinkDown      = &Error{msg: "link is down"}

	// Queues and time.
	ErrQueueTooLong         = &Error{msg: "send queue too long"}
	ErrTimeout              = &Error{msg: "operation timed out"}
	ErrReassemblyTimeout    = &Error{msg: "reassembly timed out"}
	ErrWouldBlock           = &Error{msg: "operation would block", ignoreStats: true}
	ErrResolutionPending    = &Error{msg: "link address resolution pending", ignoreStats: true}
	ErrClosedForSend        = &Error{msg: "endpoint is closed for send"}
	ErrClosedForReceive     = &Error{msg: "endpoint is closed for receive"}
	ErrStackNotRunning      = &Error{msg: "stack loop is not running"}
	ErrInvalidEndpointState = &Error{msg: "endpoint is in invalid state"}

	// Ports and connections.
	ErrPortInUse         = &Error{msg: "port is in use"}
	ErrNoPortAvailable   = &Error{msg: "no ports are available"}
	ErrAlreadyBound      = &Error{msg: "endpoint already bound", ignoreStats: true}
	ErrNotConnected      = &Error{msg: "endpoint not connected"}
	ErrConnectionRefused = &Error{msg: "connection was refused"}
	ErrConnectionReset   = &Error{msg: "connection reset by peer"}
	ErrConnectionAborted = &Error{msg: "connection aborted"}
)
