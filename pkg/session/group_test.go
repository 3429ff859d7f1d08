package session

import (
	"testing"

	"github.com/emberlink/matter/pkg/fabric"
)

type staticGroupKeys struct{ key []byte }

func (s *staticGroupKeys) OperationalGroupKey(fabric.Index, fabric.GroupID) ([]byte, error) {
	return s.key, nil
}

func TestManager_GroupSessionReuse(t *testing.T) {
	m := newTestManager(t, ManagerConfig{GroupKeys: &staticGroupKeys{key: testKey(0x55)}})

	addr := fabric.NewGroupAddress(1, 0x0101)
	a, err := m.GroupSessionFor(addr, 0x1000)
	if err != nil {
		t.Fatalf("GroupSessionFor: %v", err)
	}
	b, err := m.GroupSessionFor(addr, 0x1000)
	if err != nil {
		t.Fatalf("GroupSessionFor: %v", err)
	}
	if a != b {
		t.Fatal("same group address produced two sessions")
	}

	c1, _, err := a.Encrypt([]byte("on"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	c2, _, err := a.Encrypt([]byte("off"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if c2 != c1+1 {
		t.Fatalf("group counter did not advance: %d then %d", c1, c2)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	c, err := m.GroupSessionFor(addr, 0x1000)
	if err != nil {
		t.Fatalf("GroupSessionFor after close: %v", err)
	}
	if c == a {
		t.Fatal("closed group session was reused")
	}
}

func TestManager_GroupSessionRequiresGroupAddress(t *testing.T) {
	m := newTestManager(t, ManagerConfig{GroupKeys: &staticGroupKeys{key: testKey(0x55)}})
	if _, err := m.GroupSessionFor(fabric.NewNodeAddress(1, 0x2000), 0x1000); err != ErrInvalidSessionType {
		t.Fatalf("unicast address accepted as group: %v", err)
	}
}

func TestGroupPeerTable_BoundedSenders(t *testing.T) {
	table, err := NewGroupPeerTable(2)
	if err != nil {
		t.Fatalf("NewGroupPeerTable: %v", err)
	}

	if !table.Observe(1, 0x01, 10) {
		t.Fatal("first counter from a sender rejected")
	}
	if table.Observe(1, 0x01, 10) {
		t.Fatal("duplicate counter accepted")
	}

	// A third sender evicts the least recently heard one; its state is
	// forgotten, so the old duplicate is fresh again.
	table.Observe(1, 0x02, 1)
	table.Observe(1, 0x03, 1)
	if table.Len() != 2 {
		t.Fatalf("tracked senders = %d, want 2", table.Len())
	}
	if !table.Observe(1, 0x01, 10) {
		t.Fatal("evicted sender did not restart with a fresh window")
	}
}

func TestResumptionStore_FindByResumptionID(t *testing.T) {
	m := newTestManager(t, ManagerConfig{})
	id, _ := m.AllocateSessionID()
	cfg := testSecureConfig(id, 0xC001)
	if _, err := m.CreateSecureSession(cfg); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec := m.Resumption().FindByResumptionID(testKey(0x44))
	if rec == nil {
		t.Fatal("record not found by resumption id")
	}
	if rec.PeerNodeID != 0xC001 {
		t.Fatalf("peer = %v, want 0xC001", rec.PeerNodeID)
	}
	if m.Resumption().FindByResumptionID([]byte{0xde, 0xad}) != nil {
		t.Fatal("unknown resumption id matched a record")
	}
}
