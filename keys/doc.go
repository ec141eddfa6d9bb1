// Package keys seals and verifies glyph records.
//
// A seal is a single line "<alg> <hash-alg> <base64 public key> <base64
// signature>" over the glyph signing payload. Supported algorithms are
// ed25519 and dilithium3; supported digests are sha256, sha512 and sha3-256.
//
// Seeds are stored as hex text files, one seed per file.
package keys
