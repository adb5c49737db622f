package network

import (
	"fmt"
	"sync"
)

// ChannelState is a NetworkSink-side channel's lifecycle stage (spec §4.H:
// "a channel has states Connecting -> Connected -> Draining -> Closed").
type ChannelState int

const (
	Connecting ChannelState = iota
	Connected
	Draining
	Closed
)

func (s ChannelState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// defaultConnectBufferSize bounds how many frames a Channel will buffer
// while Connecting before backpressuring the caller (spec §4.H: "writes
// during Connecting are buffered (bounded)").
const defaultConnectBufferSize = 256

// Transport is the underlying wire send a Channel drives once Connected;
// satisfied by the gRPC client stream wrapper in grpc.go.
type Transport interface {
	Send(f Frame) error
	Close() error
}

// Channel is one NetworkSink's connection to its downstream partition: a
// small state machine gating writes by connection phase (spec §4.H sink
// side).
type Channel struct {
	mu        sync.Mutex
	state     ChannelState
	buffered  []Frame
	transport Transport
}

// NewChannel starts a channel in the Connecting state.
func NewChannel() *Channel {
	return &Channel{state: Connecting}
}

// State reports the channel's current lifecycle stage.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Write accepts f under the current state's rules: buffered while
// Connecting, sent directly while Connected or Draining, rejected once
// Closed (spec §4.H: "writes during Draining are accepted until a final
// EoS is sent; then the channel closes").
func (c *Channel) Write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connecting:
		if len(c.buffered) >= defaultConnectBufferSize {
			return fmt.Errorf("network: channel connect buffer full, dropping frame for %s", f.Partition)
		}
		c.buffered = append(c.buffered, f)
		return nil
	case Connected, Draining:
		if c.transport == nil {
			return fmt.Errorf("network: channel has no transport while %s", c.state)
		}
		if err := c.transport.Send(f); err != nil {
			return err
		}
		if c.state == Draining && f.Kind == FrameEndOfStream {
			c.state = Closed
			err := c.transport.Close()
			c.transport = nil
			return err
		}
		return nil
	default: // Closed
		return fmt.Errorf("network: write to closed channel for %s", f.Partition)
	}
}

// MarkConnected transitions Connecting -> Connected and flushes every
// buffered write in order (spec §4.H: "flushed on transition to
// Connected").
func (c *Channel) MarkConnected(transport Transport) error {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return fmt.Errorf("network: MarkConnected called from state %s", c.state)
	}
	c.transport = transport
	c.state = Connected
	pending := c.buffered
	c.buffered = nil
	c.mu.Unlock()

	for _, f := range pending {
		if err := c.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// Drain transitions Connected -> Draining: subsequent writes still go
// through until a FrameEndOfStream closes the channel.
func (c *Channel) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return fmt.Errorf("network: Drain called from state %s", c.state)
	}
	c.state = Draining
	return nil
}
