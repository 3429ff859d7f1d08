package node

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/emberlink/matter/pkg/discovery"
	"github.com/emberlink/matter/pkg/exchange"
	"github.com/emberlink/matter/pkg/fabric"
	"github.com/emberlink/matter/pkg/im"
	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/transport"
)

type fakeMDNS struct {
	mu        sync.Mutex
	instances map[string]bool
}

func newFakeMDNS() *fakeMDNS {
	return &fakeMDNS{instances: make(map[string]bool)}
}

func (f *fakeMDNS) Register(instance, _, _ string, _ int, _ []string, _ []net.Interface) (discovery.MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instance] = true
	return &fakeMDNSServer{factory: f, instance: instance}, nil
}

func (f *fakeMDNS) advertised(instance string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[instance]
}

type fakeMDNSServer struct {
	factory  *fakeMDNS
	instance string
}

func (s *fakeMDNSServer) Shutdown() {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	delete(s.factory.instances, s.instance)
}

type switchCluster struct {
	*protocol.ClusterState
}

const (
	switchClusterID protocol.ClusterID   = 0x003B
	attrSwitchPos   protocol.AttributeID = 0x0001
)

func newSwitchCluster() *switchCluster {
	return &switchCluster{
		ClusterState: protocol.NewClusterState(map[protocol.AttributeID]any{
			attrSwitchPos: 0,
		}),
	}
}

func (c *switchCluster) ClusterID() protocol.ClusterID { return switchClusterID }

func (c *switchCluster) WriteAttribute(id protocol.AttributeID, value any) error {
	if _, err := c.ReadAttribute(id); err != nil {
		return err
	}
	c.SetAttribute(id, value)
	return nil
}

func (c *switchCluster) Invoke(id protocol.CommandID, _ any) (any, []protocol.AttributeID, error) {
	return nil, nil, protocol.ErrCommandNotFound
}

func testConfig() Config {
	return Config{
		Identity: IdentityConfig{VendorID: 0xFFF1, ProductID: 0x8001, DeviceName: "Test Node"},
	}
}

func testFabricInfo() *fabric.Info {
	return &fabric.Info{
		Index:        1,
		FabricID:     0x1122334455667788,
		NodeID:       0x0000000000000042,
		CompressedID: [8]byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"valid", func(*Config) {}, nil},
		{"missing vendor", func(c *Config) { c.Identity.VendorID = 0 }, ErrInvalidVendorID},
		{"missing product", func(c *Config) { c.Identity.ProductID = 0 }, ErrInvalidProductID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}

	bad := testConfig()
	bad.Logging.Level = "loud"
	if err := bad.Validate(); err == nil {
		t.Fatal("unknown log level accepted")
	}
}

func TestConfigLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	doc := `
identity:
  vendor_id: 65521
  product_id: 32769
  device_name: Hallway Light
network:
  listen_addr: ":5541"
session:
  idle_interval: 500ms
  active_interval: 300ms
reporting:
  max_interval: 2m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Identity.VendorID != 0xFFF1 || cfg.Identity.ProductID != 0x8001 {
		t.Fatalf("identity = %+v", cfg.Identity)
	}
	if cfg.Identity.DeviceName != "Hallway Light" {
		t.Fatalf("device name = %q", cfg.Identity.DeviceName)
	}
	if cfg.Network.ListenAddr != ":5541" {
		t.Fatalf("listen addr = %q", cfg.Network.ListenAddr)
	}
	if cfg.Reporting.MaxInterval != 2*time.Minute {
		t.Fatalf("max interval = %s", cfg.Reporting.MaxInterval)
	}
	if cfg.Session.IdleInterval != 500*time.Millisecond {
		t.Fatalf("idle interval = %s", cfg.Session.IdleInterval)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestNodeLifecycle(t *testing.T) {
	pipe := transport.NewPipe()
	defer pipe.Close()
	mdns := newFakeMDNS()

	var mu sync.Mutex
	var states []State

	cfg := testConfig()
	cfg.Channel = pipe.End(1)
	cfg.MDNSFactory = mdns
	cfg.OnStateChanged = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if n.State() != StateInitialized {
		t.Fatalf("state = %s", n.State())
	}
	if err := n.AddCluster(1, newSwitchCluster()); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start = %v, want ErrAlreadyStarted", err)
	}
	if n.State() != StateRunning {
		t.Fatalf("state after start = %s", n.State())
	}

	// Interact with the running node from the other pipe end.
	client := im.NewClient(im.ClientConfig{
		Exchanges: exchange.NewManager(pipe.End(0)),
		Peer:      pipe.Addr(1),
	})
	client.Attach()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := client.Read(ctx, im.ReadRequest{
		AttributePaths: []protocol.AttributePath{{
			Endpoint: 1, Cluster: switchClusterID, Attribute: attrSwitchPos,
		}},
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(report.Attributes) != 1 {
		t.Fatalf("read = %+v", report.Attributes)
	}

	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n.State() != StateStopped {
		t.Fatalf("state after stop = %s", n.State())
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("second stop = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(states) != len(want) {
		t.Fatalf("state transitions = %v", states)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("transition %d = %s, want %s", i, states[i], s)
		}
	}
}

func TestNodeFabricAdvertising(t *testing.T) {
	pipe := transport.NewPipe()
	defer pipe.Close()
	mdns := newFakeMDNS()

	cfg := testConfig()
	cfg.Channel = pipe.End(1)
	cfg.MDNSFactory = mdns

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	defer n.Stop()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	info := testFabricInfo()
	instance := discovery.OperationalInstanceName(info.CompressedID, info.NodeID)
	if err := n.AddFabric(info); err != nil {
		t.Fatalf("AddFabric: %v", err)
	}
	if !n.IsCommissioned() {
		t.Fatal("node not commissioned after AddFabric")
	}
	if !mdns.advertised(instance) {
		t.Fatal("fabric not advertised")
	}

	if err := n.RemoveFabric(info.Index); err != nil {
		t.Fatalf("RemoveFabric: %v", err)
	}
	if mdns.advertised(instance) {
		t.Fatal("advertisement not withdrawn after fabric removal")
	}
	if n.IsCommissioned() {
		t.Fatal("node still commissioned")
	}
}

func TestNodeFabricPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "node.db")
	pipe := transport.NewPipe()
	defer pipe.Close()

	cfg := testConfig()
	cfg.Channel = pipe.End(1)
	cfg.Storage.Path = dbPath
	cfg.Discovery.Disabled = true

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	if err := n.AddFabric(testFabricInfo()); err != nil {
		t.Fatalf("AddFabric: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// A fresh node over the same database comes back commissioned.
	pipe2 := transport.NewPipe()
	defer pipe2.Close()
	cfg2 := testConfig()
	cfg2.Channel = pipe2.End(1)
	cfg2.Storage.Path = dbPath
	cfg2.Discovery.Disabled = true

	restored, err := NewNode(cfg2)
	if err != nil {
		t.Fatalf("NewNode (restored): %v", err)
	}
	defer restored.Stop()
	if !restored.IsCommissioned() {
		t.Fatal("fabric not restored from storage")
	}
	got := restored.Fabrics().Find(1)
	if got == nil || got.FabricID != 0x1122334455667788 || got.NodeID != 0x42 {
		t.Fatalf("restored fabric = %+v", got)
	}
}
