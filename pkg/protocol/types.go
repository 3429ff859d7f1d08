// Package protocol maintains the read projection of live endpoint and
// cluster state consumed by reads and subscriptions. Behaviors attach
// and detach clusters; attribute changes flow out through a single
// change-notification path that drives subscription dirty tracking.
package protocol

import "fmt"

// EndpointID identifies an endpoint on a node.
type EndpointID uint16

// ClusterID identifies a cluster definition.
type ClusterID uint32

// AttributeID identifies an attribute within a cluster.
type AttributeID uint32

// CommandID identifies a command within a cluster.
type CommandID uint32

// EventID identifies an event definition within a cluster.
type EventID uint32

// EventNumber is the node-wide monotonic sequence number assigned to
// each emitted event.
type EventNumber uint64

// DataVersion is a cluster instance's change counter. It increases by
// one for every logical change batch applied to the cluster.
type DataVersion uint32

// Wildcard values usable in request paths.
const (
	WildcardEndpoint  EndpointID  = 0xFFFF
	WildcardCluster   ClusterID   = 0xFFFF_FFFF
	WildcardAttribute AttributeID = 0xFFFF_FFFF
	WildcardEvent     EventID     = 0xFFFF_FFFF
)

// AttributePath addresses one attribute, possibly with wildcards.
type AttributePath struct {
	Endpoint  EndpointID
	Cluster   ClusterID
	Attribute AttributeID
}

func (p AttributePath) String() string {
	return fmt.Sprintf("%d/%d/%d", p.Endpoint, p.Cluster, p.Attribute)
}

// IsConcrete reports whether the path carries no wildcards.
func (p AttributePath) IsConcrete() bool {
	return p.Endpoint != WildcardEndpoint &&
		p.Cluster != WildcardCluster &&
		p.Attribute != WildcardAttribute
}

// Matches reports whether a concrete path falls under this possibly
// wildcarded one.
func (p AttributePath) Matches(concrete AttributePath) bool {
	if p.Endpoint != WildcardEndpoint && p.Endpoint != concrete.Endpoint {
		return false
	}
	if p.Cluster != WildcardCluster && p.Cluster != concrete.Cluster {
		return false
	}
	if p.Attribute != WildcardAttribute && p.Attribute != concrete.Attribute {
		return false
	}
	return true
}

// EventPath addresses one event definition, possibly with wildcards.
type EventPath struct {
	Endpoint EndpointID
	Cluster  ClusterID
	Event    EventID
}

// Matches reports whether a concrete event path falls under this one.
func (p EventPath) Matches(concrete EventPath) bool {
	if p.Endpoint != WildcardEndpoint && p.Endpoint != concrete.Endpoint {
		return false
	}
	if p.Cluster != WildcardCluster && p.Cluster != concrete.Cluster {
		return false
	}
	if p.Event != WildcardEvent && p.Event != concrete.Event {
		return false
	}
	return true
}

// AttributeChange is the change notification emitted when a cluster's
// attributes mutate. One notification covers one logical change batch
// and carries the cluster's data version after the batch.
type AttributeChange struct {
	Endpoint   EndpointID
	Cluster    ClusterID
	Version    DataVersion
	Attributes []AttributeID
}
