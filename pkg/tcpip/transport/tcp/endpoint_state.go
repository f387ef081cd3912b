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

package tcp

// EndpointState represents the state of a TCP endpoint.
type EndpointState uint8

// Endpoint states. The order matters: every state from StateEstablished on
// has completed the handshake.
const (
	// StateClosed is the state of a new endpoint, and of one that has been
	// closed or reset.
	StateClosed EndpointState = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	StateClosed:      "CLOSED",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN-SENT",
	StateSynRcvd:     "SYN-RCVD",
	StateEstablished: "ESTABLISHED",
	StateFinWait1:    "FIN-WAIT-1",
	StateFinWait2:    "FIN-WAIT-2",
	StateCloseWait:   "CLOSE-WAIT",
	StateClosing:     "CLOSING",
	StateLastAck:     "LAST-ACK",
	StateTimeWait:    "TIME-WAIT",
}

// String implements fmt.Stringer.String.
func (s EndpointState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// synchronized reports whether s is past the three-way handshake.
func (s EndpointState) synchronized() bool {
	return s >= StateEstablished
}

// canSend reports whether new data may be queued in state s.
func (s EndpointState) canSend() bool {
	switch s {
	case StateEstablished, StateCloseWait, StateSynSent, StateSynRcvd:
		return true
	}
	return false
}
