// Package source adapts event producers to the ingest buffer.
//
// Every Source writes whole event records into an io.Writer (normally an
// *ingest.Buffer) until its input ends or its context is cancelled. Sources
// reframe byte streams so that a record is never split across writes.
//
// Key types: Source, UDPSource, SerialSource, PCAPSource, ReaderSource,
// SynthSource.
package source
