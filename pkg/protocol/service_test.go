package protocol

import (
	"reflect"
	"testing"
)

// onOffCluster is a minimal behavior used across the protocol tests.
type onOffCluster struct {
	*ClusterState
}

const (
	onOffClusterID ClusterID = 0x0006

	attrOnOff AttributeID = 0x0000

	cmdOn     CommandID = 0x01
	cmdOff    CommandID = 0x00
	cmdToggle CommandID = 0x02
)

func newOnOffCluster() *onOffCluster {
	return &onOffCluster{
		ClusterState: NewClusterState(map[AttributeID]any{attrOnOff: false}),
	}
}

func (c *onOffCluster) ClusterID() ClusterID { return onOffClusterID }

func (c *onOffCluster) WriteAttribute(id AttributeID, value any) error {
	if id != attrOnOff {
		return ErrAttributeNotFound
	}
	c.SetAttribute(id, value)
	return nil
}

func (c *onOffCluster) Invoke(id CommandID, _ any) (any, []AttributeID, error) {
	switch id {
	case cmdOn:
		c.SetAttribute(attrOnOff, true)
	case cmdOff:
		c.SetAttribute(attrOnOff, false)
	case cmdToggle:
		v, _ := c.ReadAttribute(attrOnOff)
		c.SetAttribute(attrOnOff, !v.(bool))
	default:
		return nil, nil, ErrCommandNotFound
	}
	return nil, []AttributeID{attrOnOff}, nil
}

func TestService_EndpointPrunedWithLastCluster(t *testing.T) {
	s := NewService(nil)

	if err := s.AddCluster(1, newOnOffCluster()); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := s.AddCluster(1, newOnOffCluster()); err != ErrClusterExists {
		t.Fatalf("duplicate AddCluster = %v, want ErrClusterExists", err)
	}
	if got := s.Endpoints(); !reflect.DeepEqual(got, []EndpointID{1}) {
		t.Fatalf("Endpoints = %v", got)
	}

	if err := s.DeleteCluster(1, onOffClusterID); err != nil {
		t.Fatalf("DeleteCluster: %v", err)
	}
	if got := s.Endpoints(); len(got) != 0 {
		t.Fatalf("endpoint survived last cluster removal: %v", got)
	}
	if err := s.DeleteCluster(1, onOffClusterID); err != ErrClusterNotFound {
		t.Fatalf("repeat DeleteCluster = %v, want ErrClusterNotFound", err)
	}
}

func TestService_HandleChangeEmitsOnce(t *testing.T) {
	s := NewService(nil)
	cluster := newOnOffCluster()
	if err := s.AddCluster(1, cluster); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}

	var changes []AttributeChange
	remove := s.AddChangeListener(func(c AttributeChange) {
		changes = append(changes, c)
	})

	version, attrs := cluster.SetAttributes(map[AttributeID]any{attrOnOff: true})
	if err := s.HandleChange(1, onOffClusterID, attrs); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}

	if len(changes) != 1 {
		t.Fatalf("change batch emitted %d notifications, want 1", len(changes))
	}
	got := changes[0]
	if got.Endpoint != 1 || got.Cluster != onOffClusterID {
		t.Fatalf("notification path = %d/%d", got.Endpoint, got.Cluster)
	}
	if got.Version != version {
		t.Fatalf("notification version = %d, want %d", got.Version, version)
	}
	if !reflect.DeepEqual(got.Attributes, []AttributeID{attrOnOff}) {
		t.Fatalf("notification attrs = %v", got.Attributes)
	}

	remove()
	cluster.SetAttribute(attrOnOff, false)
	if err := s.HandleChange(1, onOffClusterID, []AttributeID{attrOnOff}); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
	if len(changes) != 1 {
		t.Fatal("removed listener still notified")
	}
}

func TestService_HandleChangeUnknownCluster(t *testing.T) {
	s := NewService(nil)
	if err := s.HandleChange(9, onOffClusterID, nil); err != ErrClusterNotFound {
		t.Fatalf("HandleChange = %v, want ErrClusterNotFound", err)
	}
}

func TestService_ResolveAttributePaths(t *testing.T) {
	s := NewService(nil)
	if err := s.AddCluster(1, newOnOffCluster()); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	if err := s.AddCluster(2, newOnOffCluster()); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}

	t.Run("wildcard endpoint", func(t *testing.T) {
		got := s.ResolveAttributePaths([]AttributePath{{
			Endpoint:  WildcardEndpoint,
			Cluster:   onOffClusterID,
			Attribute: attrOnOff,
		}})
		want := []AttributePath{
			{Endpoint: 1, Cluster: onOffClusterID, Attribute: attrOnOff},
			{Endpoint: 2, Cluster: onOffClusterID, Attribute: attrOnOff},
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("resolved = %v, want %v", got, want)
		}
	})

	t.Run("concrete miss", func(t *testing.T) {
		got := s.ResolveAttributePaths([]AttributePath{{
			Endpoint:  5,
			Cluster:   onOffClusterID,
			Attribute: attrOnOff,
		}})
		if len(got) != 0 {
			t.Fatalf("resolved nonexistent endpoint: %v", got)
		}
	})
}

func TestClusterState_VersionMonotonic(t *testing.T) {
	state := NewClusterState(map[AttributeID]any{attrOnOff: false})
	v0 := state.Version()
	v1 := state.SetAttribute(attrOnOff, true)
	v2, _ := state.SetAttributes(map[AttributeID]any{attrOnOff: false})
	if !(v0 < v1 && v1 < v2) {
		t.Fatalf("versions not monotonic: %d %d %d", v0, v1, v2)
	}
}

func TestAttributePath_Matches(t *testing.T) {
	concrete := AttributePath{Endpoint: 1, Cluster: onOffClusterID, Attribute: attrOnOff}
	cases := []struct {
		name string
		path AttributePath
		want bool
	}{
		{"exact", concrete, true},
		{"wildcard attribute", AttributePath{1, onOffClusterID, WildcardAttribute}, true},
		{"wildcard all", AttributePath{WildcardEndpoint, WildcardCluster, WildcardAttribute}, true},
		{"wrong endpoint", AttributePath{2, onOffClusterID, attrOnOff}, false},
		{"wrong cluster", AttributePath{1, 0x0008, attrOnOff}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.path.Matches(concrete); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
