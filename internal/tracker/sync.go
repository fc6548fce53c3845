package tracker

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/bookflow/internal/faults"
	"github.com/roach88/bookflow/internal/persist"
	"github.com/roach88/bookflow/internal/wal"
)

// PeerCount is what a synchronizer knows about one upstream peer for a tenant.
// Total stays -1 until the peer's EOF arrives.
type PeerCount struct {
	Worked int64 `json:"worked"`
	Total  int64 `json:"total"`
}

// Done reports whether every item announced by the peer has been worked.
func (c PeerCount) Done() bool {
	return c.Total >= 0 && c.Worked == c.Total
}

func (c PeerCount) encode() []byte {
	return fmt.Appendf(nil, "%d,%d", c.Worked, c.Total)
}

func decodePeerCount(b []byte) (PeerCount, error) {
	var c PeerCount
	if _, err := fmt.Sscanf(string(b), "%d,%d", &c.Worked, &c.Total); err != nil {
		return PeerCount{}, fmt.Errorf("%w: peer pre-image %q", persist.ErrCorrupt, b)
	}
	return c, nil
}

// PeerUpdate changes one peer's counters.
type PeerUpdate struct {
	Worked   int64
	Total    int64
	setTotal bool
}

// CountWorked adds n worked items.
func CountWorked(n int64) PeerUpdate {
	return PeerUpdate{Worked: n}
}

// SetTotal records the peer's announced total.
func SetTotal(total int64) PeerUpdate {
	return PeerUpdate{Total: total, setTotal: true}
}

// SyncConfig configures a synchronizer tracker.
type SyncConfig struct {
	Config
	// Peers is the quorum of upstream peers that must all finish.
	Peers []uint8
}

// SyncTracker is a synchronizer's durable per-tenant state: one counter pair
// per upstream peer plus the merged data map.
type SyncTracker struct {
	dir    string
	tenant uuid.UUID
	eofID  uuid.UUID
	faults faults.Injector
	dec    persist.Decoder
	peers  []uint8

	meta   *persist.KVMap[PeerCount]
	data   *persist.ObjectMap
	worked *persist.PeerIDList
	wal    *wal.Manager

	recovered wal.Result
}

// OpenSync loads the synchronizer tracker stored in dir.
func OpenSync(dir string, tenant uuid.UUID, cfg SyncConfig) (*SyncTracker, error) {
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("synchronizer tracker for %s: empty peer quorum", tenant)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tenant dir: %w", err)
	}

	inj := faults.OrNone(cfg.Faults)
	dec := cfg.Decoder
	if dec == nil {
		dec = noRecords(dir)
	}
	peers := append([]uint8(nil), cfg.Peers...)
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	s := &SyncTracker{
		dir:    dir,
		tenant: tenant,
		eofID:  cfg.EOFID,
		faults: inj,
		dec:    dec,
		peers:  peers,
		meta:   persist.NewKVMap[PeerCount](filepath.Join(dir, MetaFile)),
		data:   persist.NewObjectMap(filepath.Join(dir, DataFile)),
		worked: persist.NewPeerIDList(filepath.Join(dir, PeerWorkedFile), inj),
		wal:    wal.NewManager(filepath.Join(dir, WALFile), inj),
	}

	if _, err := s.meta.Load(); err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if _, err := s.data.Load(dec); err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	if _, err := s.worked.Load(); err != nil {
		return nil, fmt.Errorf("load worked list: %w", err)
	}

	res, err := wal.Recover(s.wal, s)
	if err != nil {
		return nil, fmt.Errorf("recover tenant %s: %w", tenant, err)
	}
	s.recovered = res
	if res != wal.Nothing {
		slog.Info("tenant state recovered", "tenant", tenant, "outcome", res.String())
	}

	for _, p := range peers {
		if _, ok := s.meta.Get(peerKey(p)); !ok {
			s.meta.Set(peerKey(p), PeerCount{Total: -1})
		}
	}
	return s, nil
}

func peerKey(p uint8) string {
	return strconv.Itoa(int(p))
}

func (s *SyncTracker) Tenant() uuid.UUID     { return s.tenant }
func (s *SyncTracker) EOFID() uuid.UUID      { return s.eofID }
func (s *SyncTracker) Dir() string           { return s.dir }
func (s *SyncTracker) Recovered() wal.Result { return s.recovered }

// Peers returns the quorum in ascending order.
func (s *SyncTracker) Peers() []uint8 {
	return append([]uint8(nil), s.peers...)
}

// IsPeer reports whether p belongs to the quorum.
func (s *SyncTracker) IsPeer(p uint8) bool {
	i := sort.Search(len(s.peers), func(i int) bool { return s.peers[i] >= p })
	return i < len(s.peers) && s.peers[i] == p
}

// Peer returns the counters recorded for p.
func (s *SyncTracker) Peer(p uint8) PeerCount {
	c, ok := s.meta.Get(peerKey(p))
	if !ok {
		return PeerCount{Total: -1}
	}
	return c
}

// AllChunksReceived reports whether every peer in the quorum has sent its EOF
// and had all its items worked.
func (s *SyncTracker) AllChunksReceived() bool {
	for _, p := range s.peers {
		if !s.Peer(p).Done() {
			return false
		}
	}
	return true
}

// TotalWorked sums the announced totals of the quorum. It is meaningful once
// AllChunksReceived holds.
func (s *SyncTracker) TotalWorked() int64 {
	var sum int64
	for _, p := range s.peers {
		if c := s.Peer(p); c.Total > 0 {
			sum += c.Total
		}
	}
	return sum
}

// HasWorked reports whether chunk was already persisted, and from which peer.
func (s *SyncTracker) HasWorked(chunk uuid.UUID) (uint8, bool) {
	return s.worked.Contains(chunk)
}

func (s *SyncTracker) GetData(key string) (persist.Record, bool) {
	return s.data.Get(key)
}

func (s *SyncTracker) EachData(fn func(persist.Record)) {
	s.data.Each(fn)
}

func (s *SyncTracker) DataLen() int {
	return s.data.Len()
}

// PutData stores rec in memory until the next Persist that flushes data.
func (s *SyncTracker) PutData(rec persist.Record) {
	s.holdPreImage(rec.Key())
	s.data.Put(rec)
}

// DeleteData removes key in memory.
func (s *SyncTracker) DeleteData(key string) {
	s.holdPreImage(key)
	s.data.Delete(key)
}

func (s *SyncTracker) holdPreImage(key string) {
	if old, ok := s.data.Get(key); ok {
		s.wal.HoldChange(key, old.Encode())
		return
	}
	s.wal.HoldChange(key, nil)
}

// Persist applies u to peer's counters, and the data map when flushData is
// set, as one transaction on behalf of chunk.
func (s *SyncTracker) Persist(chunk uuid.UUID, peer uint8, flushData bool, u PeerUpdate) error {
	key := peerKey(peer)

	if err := s.wal.Begin(chunk, peer); err != nil {
		return err
	}
	var old []byte
	if c, ok := s.meta.Get(key); ok {
		old = c.encode()
	}
	if err := s.wal.LogMetadata(key, old); err != nil {
		return fmt.Errorf("log peer %d: %w", peer, err)
	}
	if err := s.faults.Hit(faults.TrackerLogged); err != nil {
		return err
	}

	if flushData {
		if err := s.wal.FlushHeld(); err != nil {
			return fmt.Errorf("log data pre-images: %w", err)
		}
		if err := s.data.Flush(); err != nil {
			return fmt.Errorf("flush data: %w", err)
		}
		if err := s.faults.Hit(faults.TrackerDataFlushed); err != nil {
			return err
		}
	}

	c := s.Peer(peer)
	c.Worked += u.Worked
	if u.setTotal {
		c.Total = u.Total
	}
	s.meta.Set(key, c)
	if err := s.meta.Flush(); err != nil {
		return fmt.Errorf("flush metadata: %w", err)
	}
	if err := s.faults.Hit(faults.TrackerMetaFlushed); err != nil {
		return err
	}

	if err := s.wal.Commit(chunk, peer); err != nil {
		return err
	}
	if err := s.faults.Hit(faults.TrackerCommitted); err != nil {
		return err
	}
	if err := s.worked.Append(chunk, peer); err != nil {
		return fmt.Errorf("record worked chunk: %w", err)
	}
	return nil
}

// Destroy removes every file of the tenant.
func (s *SyncTracker) Destroy() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("remove tenant dir: %w", err)
	}
	return nil
}

// RestoreMetadata implements wal.UndoTarget.
func (s *SyncTracker) RestoreMetadata(key string, old []byte) error {
	if old == nil {
		s.meta.Delete(key)
		return nil
	}
	c, err := decodePeerCount(old)
	if err != nil {
		return err
	}
	s.meta.Set(key, c)
	return nil
}

// RestoreData implements wal.UndoTarget.
func (s *SyncTracker) RestoreData(old []byte) error {
	return restoreData(s.data, s.dec, old)
}

// RemoveData implements wal.UndoTarget.
func (s *SyncTracker) RemoveData(key string) error {
	s.data.Delete(key)
	return nil
}

// FlushRestored implements wal.UndoTarget.
func (s *SyncTracker) FlushRestored() error {
	if err := s.data.Flush(); err != nil {
		return err
	}
	return s.meta.Flush()
}

// EnsureWorked implements wal.UndoTarget.
func (s *SyncTracker) EnsureWorked(chunk uuid.UUID, peer uint8) error {
	return s.worked.Append(chunk, peer)
}
