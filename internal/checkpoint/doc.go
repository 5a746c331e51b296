// Package checkpoint persists the per-partition recovery record: the last
// attempted transaction id, the block that attempt started in, and the block
// the last persisted attempt ended in.
//
// The three fields live under separate keys of a transactional key/value
// store and are always written or deleted together.
package checkpoint
