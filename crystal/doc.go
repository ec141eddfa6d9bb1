// Package crystal turns sufficiently resonant chords into immutable glyphs.
//
// An Engine tracks each chord it has seen through Open, Scored and
// Crystallized. Crystallization is idempotent: the glyph id depends only on
// the member fingerprint set and the creation radius, and concurrent callers
// for the same id share one registration, with later callers receiving the
// glyph already registered.
//
// Glyphs carry their own Intent fingerprint so they can be referenced by
// time points and re-enter later chords. Composition depth is bounded by
// Config.MaxDepth.
package crystal
