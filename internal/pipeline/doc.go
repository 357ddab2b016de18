// Package pipeline wires a Source, the ingest double buffer, the timestamp
// unwrapper, the temporal surface and the tracker into three concurrent
// stages:
//
//	producer  Source.Run writes records into the ingest buffer
//	decoder   swaps the buffer, unwraps timestamps, updates the surface
//	tracker   queries the surface and runs one filter cycle per batch notice
//
// The surface is shared by the decoder and tracker stages and guarded by a
// mutex owned here. Batch notices travel through a bounded queue that drops
// the oldest entry, and the tracker always works on the freshest one.
package pipeline
