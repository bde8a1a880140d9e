// Package protocol owns the binary encoding engine.
//
// Ownership boundary:
//   - little-endian primitives, sizes, strings and sequences
//   - encapsulations (size + encoding version) and size-prefixed slices
//   - polymorphic value graphs written once per instance, decoded through
//     an index-addressed instance table with deferred patchers
//   - user exceptions carrying their ancestor chain, sliced on decode to the
//     first ancestor the reader has registered
package protocol
