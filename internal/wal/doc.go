// Package wal implements the single-slot undo log that makes a tenant
// tracker's multi-file update atomic.
//
// A transaction is BEGIN, then one pre-image record per value about to be
// overwritten, then COMMIT. Only one transaction is ever stored: Begin
// truncates the file. On open, a log that ends in COMMIT means every file was
// written and only the worked-list append may be missing. Any other non-empty
// log is rolled back by restoring the pre-images in reverse order.
//
// Record layout (big-endian):
//
//	BEGIN, COMMIT    tag(1) | chunk(16) | peer(1)
//	WRITE            tag(1) | len(2) | self-encoded data record
//	WRITE_ABSENT     tag(1) | keylen(2) | key
//	WRITE_METADATA   tag(1) | keylen(1) | key | len(1) | old value
//
// A WRITE pre-image is restored under the key the decoded record reports.
// WRITE_ABSENT marks a data key that did not exist before the transaction,
// and a zero-length metadata value does the same for a metadata key; undo
// deletes both.
package wal
