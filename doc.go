// Package carrier connects *named ports* with pluggable transport
// protocols called *carriers*.
//
// A port listens on a TCP *control channel*. An initiator dials it and
// both sides negotiate which carrier to use: the initiator writes an
// 8-byte magic header, the responder detects the carrier from it, and
// the carrier bootstraps its own data transport if it needs one.
//
// ## Handshake
//
// The negotiation runs in four phases on the control channel:
//
//  1. The initiator creates its bootstrap transport (`Carrier.CreateStream`).
//  2. It writes the header, its port name, and whatever the carrier
//     published: a process identifier and a connectable address. Every
//     field is a line terminated by CRLF.
//  3. The responder detects the carrier, rejects handshakes looping back
//     into its own process, then connects to the published address.
//  4. The initiator accepts the bootstrap connection and both sides get
//     a `Stream`.
//
// ## Carriers
//
// * `ptp` dedicates a bootstrap connection to every route and supports
// replies.
// * `bcast` shares one transport between every connection of the same
// source port: the first connection elects the sender, the others join
// its `Group`. Data is framed (see `pkg/frame`) so receivers learn when
// peers join or disconnect.
// * `direct` keeps using the control channel as the data channel.
//
// Bootstrap connections are plain TCP by default, `WithTlsConfig` moves
// them to mTLS QUIC.
//
// ## Nodes
//
// `Node` ties everything together: `Node.Listen` exposes a port,
// `Node.Dial` reaches one. Port names are resolved with a `Resolver`,
// either a `StaticResolver` or the gossip based `Directory` enabled with
// `WithListenOn` or `WithNeighbours`.
package carrier
