// Package conversation owns conversation identity and history.
//
// # Thread Mapping
//
// Each platform thread maps to exactly one conversation through a
// (adapter, thread ID) pair:
//
//  1. Look up an existing mapping for the pair
//  2. If not found, create a conversation and a mapping
//  3. If creation conflicts with a concurrent first contact, adopt the
//     winner's mapping
//
// The pair is unique in storage, so a thread can never split across two
// conversations even under concurrent delivery.
//
// # Message Persistence
//
// Every message is recorded before anything acts on it. Appending a message
// whose (adapter, adapter message ID) pair was already recorded is a no-op,
// which makes webhook redelivery harmless.
//
// # Broadcasting
//
// The Broadcaster fans appended messages out to live subscribers per
// conversation, backing the SSE event feed. Publishing never blocks.
package conversation
