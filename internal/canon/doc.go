// Package canon provides canonical JSON encoding and content-addressed
// identity for dispatch records.
//
// Actions and states are plain Go values. canon normalises them through
// encoding/json (numbers kept as json.Number) and re-encodes the result with
// RFC 8785 style rules:
//   - Object keys sorted by UTF-16 code units
//   - No HTML escaping
//   - Strings NFC normalised
//   - U+2028 and U+2029 emitted raw
//
// The same inputs always produce the same bytes, so hashes over canonical
// output are stable across runs. The harness relies on this for golden trace
// comparison.
package canon
