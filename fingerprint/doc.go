// Package fingerprint computes and compares the three content identity tiers.
//
// Tiers, from most to least discriminating:
//   - Exact: sha2-256 over the raw bytes (byte-identical artifacts)
//   - Structural: sha2-256 over the output of an external Normalizer
//   - Intent: sha3-256 over the output of an external Classifier
//
// Each weaker-tier fingerprint carries its stronger-tier fingerprint of the same
// artifact as Parent (Intent -> Structural -> Exact), so a comparison can
// report the strongest tier at which two artifacts agree.
//
// The package is stateless. Normalization and classification are capabilities
// supplied by the caller; TextNormalizer, JSONNormalizer and TokenClassifier are
// reference adapters.
package fingerprint
