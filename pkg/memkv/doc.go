// Package memkv is a sharded, concurrency-safe in-memory key/value store with
// per-key TTL, a background expirer and an optional cap on the total size of
// stored values.
//
// It backs the node's soft state: peer metadata (pkg/peers) and the agent
// capability registry (pkg/swarm). Nothing in it is persisted.
package memkv
