package carrier

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
)

// HeaderSize is the length of every carrier magic header.
const HeaderSize = 8

// Header is the magic identifier a carrier writes first on every
// connection attempt, so the remote side can detect the protocol.
type Header [HeaderSize]byte

func MakeHeader(magic string) Header {
	if len(magic) != HeaderSize {
		panic(fmt.Sprintf("carrier header %q must be exactly %d bytes", magic, HeaderSize))
	}
	var h Header
	copy(h[:], magic)
	return h
}

// Match reports whether raw is exactly this header.
func (h Header) Match(raw []byte) bool {
	return bytes.Equal(h[:], raw)
}

func (h Header) String() string {
	return string(h[:])
}

// Capabilities is the static capability set of a carrier.
type Capabilities struct {
	// SupportsReply tells the owning connection whether acknowledgements
	// and replies are meaningful.
	SupportsReply bool
	// Broadcast carriers share one physical transport between every
	// connection of the same source.
	Broadcast bool
	// Connectionless carriers need no bootstrap data: the control
	// channel is already the data channel.
	Connectionless bool
	CanEscape      bool
}

// Carrier is a protocol plugin. Instances are stateful and used for a
// single connection, the `Registry` only holds templates and hands out
// fresh instances with `Create`.
type Carrier interface {
	Name() string
	Header() Header
	CheckHeader(header []byte) bool
	Capabilities() Capabilities
	Create() Carrier

	// CreateStream prepares the bootstrap transport.
	//
	// On the sending side it may publish the process identifier and a
	// connectable address with `Handshake.Publish`, they are then written
	// by `SendHeader`.
	CreateStream(ctx context.Context, hs *Handshake, sender bool) error

	// Connect actively connects to the address received from the
	// initiator and returns the resulting stream.
	Connect(ctx context.Context, hs *Handshake) (Stream, error)

	// Accept passively waits for the responder to connect.
	Accept(ctx context.Context, hs *Handshake) (Stream, error)

	SendAck(ctx context.Context, hs *Handshake) error
	ExpectAck(ctx context.Context, hs *Handshake) error

	// Close releases whatever bootstrap resource was not handed over
	// to a stream. It is safe to call it more than once.
	Close() error
}

// Registry maps carrier names to templates.
type Registry struct {
	lk     sync.RWMutex
	byName map[string]Carrier
	order  []string
}

func NewRegistry(carriers ...Carrier) (*Registry, error) {
	reg := &Registry{
		byName: make(map[string]Carrier),
	}
	for _, c := range carriers {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds a template. Names and headers must be unique, or
// auto-detection would be ambiguous.
func (reg *Registry) Register(c Carrier) error {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if _, exists := reg.byName[c.Name()]; exists {
		return fmt.Errorf("%w: carrier %q registered twice", ErrInvalidCfg, c.Name())
	}
	header := c.Header()
	for _, other := range reg.byName {
		if other.CheckHeader(header[:]) {
			return fmt.Errorf(
				"%w: carrier %q header %q conflicts with %q",
				ErrInvalidCfg, c.Name(), header, other.Name(),
			)
		}
	}
	reg.byName[c.Name()] = c
	reg.order = append(reg.order, c.Name())
	return nil
}

// ByName returns a fresh instance of the named carrier.
func (reg *Registry) ByName(name string) (Carrier, error) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	tmpl, ok := reg.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCarrier, name)
	}
	return tmpl.Create(), nil
}

// Detect returns a fresh instance of the carrier owning header.
func (reg *Registry) Detect(header []byte) (Carrier, error) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	for _, name := range reg.order {
		tmpl := reg.byName[name]
		if tmpl.CheckHeader(header) {
			return tmpl.Create(), nil
		}
	}
	return nil, handshakeErr("unexpected magic header %q", header)
}

func (reg *Registry) Names() []string {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	return slices.Clone(reg.order)
}
