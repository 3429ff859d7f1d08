package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/storage"
)

// resumptionStorageKey is the single key the serialized record table
// lives under inside the resumption namespace.
const resumptionStorageKey = "records"

// ResumptionRecord holds what a node keeps after a CASE session ends so
// the next establishment with the same peer can take the short path.
type ResumptionRecord struct {
	FabricIndex           fabric.Index  `json:"fabricIndex"`
	PeerNodeID            fabric.NodeID `json:"peerNodeId"`
	SharedSecret          []byte        `json:"sharedSecret"`
	ResumptionID          []byte        `json:"resumptionId"`
	CaseAuthenticatedTags []uint32      `json:"cats,omitempty"`
	Parameters            Parameters    `json:"parameters"`
}

func (r *ResumptionRecord) address() fabric.Address {
	return fabric.NewNodeAddress(r.FabricIndex, r.PeerNodeID)
}

// ResumptionStore is the durable table of resumption records, at most
// one per peer address. Every mutation rewrites the whole table so the
// persisted form never lags the in-memory one.
type ResumptionStore struct {
	store storage.Store
	log   logging.LeveledLogger

	mu      sync.RWMutex
	records map[fabric.Address]*ResumptionRecord
}

// NewResumptionStore loads the persisted table. Records referencing a
// fabric the validator rejects are dropped with a log line rather than
// failing the load; a corrupt blob starts the table empty.
func NewResumptionStore(store storage.Store, hasFabric func(fabric.Index) bool, log logging.LeveledLogger) (*ResumptionStore, error) {
	s := &ResumptionStore{
		store:   store,
		log:     log,
		records: make(map[fabric.Address]*ResumptionRecord),
	}

	raw, err := store.Get(resumptionStorageKey)
	if err == storage.ErrNotFound {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var loaded []*ResumptionRecord
	if err := json.Unmarshal(raw, &loaded); err != nil {
		if log != nil {
			log.Warnf("dropping corrupt resumption table: %v", err)
		}
		return s, nil
	}
	for _, rec := range loaded {
		if hasFabric != nil && !hasFabric(rec.FabricIndex) {
			if log != nil {
				log.Warnf("dropping resumption record for unknown fabric %d (peer %016x)",
					rec.FabricIndex, uint64(rec.PeerNodeID))
			}
			continue
		}
		s.records[rec.address()] = rec
	}
	return s, nil
}

// Save inserts or replaces the record for its peer address and persists
// the table.
func (s *ResumptionStore) Save(rec *ResumptionRecord) error {
	if !rec.FabricIndex.IsValid() || !rec.PeerNodeID.IsOperational() {
		return ErrInvalidNodeID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.address()] = rec
	return s.persistLocked()
}

// Find returns the record for a peer address, or nil.
func (s *ResumptionStore) Find(addr fabric.Address) *ResumptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[addr]
}

// FindByResumptionID returns the record whose resumption identifier
// matches, or nil. Used when a peer initiates the resumption flow.
func (s *ResumptionStore) FindByResumptionID(id []byte) *ResumptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if string(rec.ResumptionID) == string(id) {
			return rec
		}
	}
	return nil
}

// Delete removes the record for a peer address and persists. Removing
// an absent record is not an error.
func (s *ResumptionStore) Delete(addr fabric.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[addr]; !ok {
		return nil
	}
	delete(s.records, addr)
	return s.persistLocked()
}

// DeleteForFabric removes every record on the given fabric and persists
// once.
func (s *ResumptionStore) DeleteForFabric(index fabric.Index) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for addr, rec := range s.records {
		if rec.FabricIndex == index {
			delete(s.records, addr)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persistLocked()
}

// Count returns the number of records held.
func (s *ResumptionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *ResumptionStore) persistLocked() error {
	list := make([]*ResumptionRecord, 0, len(s.records))
	for _, rec := range s.records {
		list = append(list, rec)
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("session: serialize resumption table: %w", err)
	}
	return s.store.Set(resumptionStorageKey, raw)
}
