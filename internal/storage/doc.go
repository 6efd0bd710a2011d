// Package storage is the durable task store: the authoritative,
// restart-surviving record of all task state. In-memory structures
// (queues, slot counts) are authoritative only until a crash; the store
// plus startup recovery re-establish ground truth.
package storage
