// Package version implements causality tracking for synchronized entities.
//
// Every entity carries a version vector: a map from writer client id to a
// monotonically increasing counter. Vectors form a partial order:
//
//	A < B  iff every component of A is <= the one in B and at least one is <
//	A || B iff neither A < B nor B < A (concurrent)
//
// Missing components compare as zero. Client clocks are never used for
// ordering; wall-clock timestamps are advisory and only consulted by the
// last-resort timestamp policy, after skew correction (see SkewClock).
//
// This package imports nothing internal. The model, store, detect and
// resolve packages build on it.
package version
