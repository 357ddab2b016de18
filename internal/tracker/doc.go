// Package tracker estimates the position and radius of a single circular
// target from a window of timestamped events using a particle filter.
//
// Responsibilities: the particle population and its resample → predict →
// observe → normalize cycle, the parallel likelihood worker pool, stagnancy
// recovery, and extraction of the per-cycle TargetEstimate.
// Key types: Tracker, Particle, TargetEstimate, Config.
//
// Dependency rule: tracker depends on event only. It never touches the
// ingest buffer or the surface; callers hand it an event snapshot.
package tracker
