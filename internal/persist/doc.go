// Package persist provides the durable building blocks of tenant state.
//
// KVMap and ObjectMap are rewritten wholesale on every Flush: the new content
// goes to a temporary file which is fsynced and renamed over the original, so
// a reader only ever sees the previous or the next complete version.
//
// IDList and PeerIDList are append-only. A crash in the middle of an append
// can leave a short trailing record; Load drops it, rewrites the file without
// it and reports Recovered. Records before the torn one are never touched.
//
// Loads distinguish three outcomes: Clean, Recovered (something was repaired
// by truncation) and a non-nil error wrapping ErrCorrupt or the I/O cause,
// which the caller must treat as fatal.
package persist
