package engine

import "github.com/google/uuid"

// DerivedID returns a stable identifier for a message produced on behalf of
// parent. The same parent and label always yield the same ID, which is what
// lets a receiver drop a message re-emitted after a crash.
func DerivedID(parent uuid.UUID, label string) uuid.UUID {
	return uuid.NewSHA1(parent, []byte(label))
}

// EOFID is the identifier of the EOF a stage emits for tenant.
func EOFID(stage string, tenant uuid.UUID) uuid.UUID {
	return DerivedID(tenant, "eof/"+stage)
}
