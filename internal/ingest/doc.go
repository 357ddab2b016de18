// Package ingest decouples the real-time event producer from the decoding
// consumer.
//
// Buffer is a double buffer: the producer appends into the active half while
// the consumer holds the standby half. Overflow is dropped and counted, never
// waited on. BatchQueue is the bounded hand-off between the decoder and the
// tracker, again dropping rather than blocking when the tracker falls behind.
package ingest
