// Package timeindex is an append-only, per-layer index of time-positioned
// signals.
//
// Each layer is a spiral: the i-th point of a layer has
//
//	radius = Phi^(i/K)
//	phase  = (phase of point i-1 + GoldenAngle) mod 2π, phase of point 0 = 0
//
// so radius grows strictly with index and phase advances by the golden angle.
// Inserts into one layer are serialized; different layers are independent.
// Readers see consistent snapshots and never observe a partially written point.
//
// FutureProjection extrapolates a point with the same law without writing it.
package timeindex
