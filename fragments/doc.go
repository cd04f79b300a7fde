// Package fragments provides low-level encoding and decoding helpers
// to construct and parse DBus messages.
//
// The provided encoder and decoder are very low level, and do not
// encode any DBus semantics beyond alignment. It is the caller's
// responsibility to produce valid DBus messages using these tools.
//
// You should not need to use this package directly, unless you are
// implementing a bus connection. The dasbus package drives an
// [Encoder]/[Decoder] from a parsed signature when it marshals a
// Variant.
package fragments
