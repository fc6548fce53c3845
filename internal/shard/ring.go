package shard

// Ring is a fixed-size ring of equally-ranked stage instances numbered
// 0..Size-1. It is used by worker stages that have no dedicated synchronizer:
// an EOF starts at whichever instance the upstream EOF lands on, travels
// around the ring, and is closed by the origin's predecessor once it has
// visited every instance.
type Ring struct {
	Size int
}

// Valid reports whether i names an instance of the ring.
func (r Ring) Valid(i int) bool {
	return i >= 0 && i < r.Size
}

// Next returns the successor of instance i.
func (r Ring) Next(i int) int {
	return (i + 1) % r.Size
}

// ClosesRing reports whether a message that has made hops visits (counting
// the current one) has reached every instance. Counting hops rather than
// instance numbers, the instance seeing this is the predecessor of the
// instance the message started at.
func (r Ring) ClosesRing(hops int) bool {
	return hops >= r.Size
}
