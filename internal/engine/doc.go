// Package engine implements the per-tenant chunk-processing loop shared by
// every worker and synchronizer stage.
//
// ARCHITECTURE:
//
// A Worker or Synchronizer handles one message at a time. For each message it
// switches to the tenant's tracker, drops duplicates using the tracker's
// worked-chunk set, hands the items to the stage strategy, and persists the
// resulting state through the tracker's write-ahead log. When a tenant is
// complete the strategy's Terminate hook emits the final results, the tenant
// is appended to the stage's done list, and its files are removed.
//
// Message Handling Flow:
// 1. Tenant already in the done list: acknowledge and stop.
// 2. Load or create the tenant tracker (LRU cached), run Adapt.
// 3. Chunk already worked: acknowledge and stop.
// 4. EOF records the announced total; DATA runs Work/AfterWork (or
// ProcessChunk) and persists counters and data in one transaction.
// 5. Completed: Terminate, record done, destroy, evict.
//
// Exactly-once effect:
// Delivery is at-least-once. Every durable change funnels through one
// tracker Persist call per message, so a redelivered message either finds
// its chunk ID in the worked set or finds the tenant rolled back to the state
// before its first attempt. Outgoing messages carry derived IDs so that a
// re-emission after a crash is dropped downstream by the same mechanism.
//
// Engines are not safe for concurrent use. Drive each from one goroutine.
package engine
