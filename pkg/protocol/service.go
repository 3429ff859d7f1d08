package protocol

import (
	"errors"
	"sort"
	"sync"

	"github.com/pion/logging"
)

// Service errors.
var (
	ErrClusterExists   = errors.New("protocol: cluster already registered")
	ErrClusterNotFound = errors.New("protocol: cluster not found")
)

// ChangeListener receives the change notifications the Service emits.
// Listeners are invoked synchronously, in registration order, outside
// the service lock.
type ChangeListener func(AttributeChange)

// Service is the authoritative endpoint and cluster projection for a
// node. Behaviors attach and detach through AddCluster/DeleteCluster;
// their mutations are announced through HandleChange, the sole signal
// path into subscription dirty tracking.
type Service struct {
	log logging.LeveledLogger

	mu        sync.RWMutex
	endpoints map[EndpointID]map[ClusterID]ClusterBehavior
	listeners map[int]ChangeListener
	nextToken int
}

// NewService creates an empty projection.
func NewService(loggerFactory logging.LoggerFactory) *Service {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Service{
		log:       loggerFactory.NewLogger("protocol"),
		endpoints: make(map[EndpointID]map[ClusterID]ClusterBehavior),
		listeners: make(map[int]ChangeListener),
	}
}

// AddCluster attaches a behavior under an endpoint. The endpoint comes
// into existence with its first cluster.
func (s *Service) AddCluster(endpoint EndpointID, behavior ClusterBehavior) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clusters, ok := s.endpoints[endpoint]
	if !ok {
		clusters = make(map[ClusterID]ClusterBehavior)
		s.endpoints[endpoint] = clusters
	}
	id := behavior.ClusterID()
	if _, exists := clusters[id]; exists {
		return ErrClusterExists
	}
	clusters[id] = behavior
	s.log.Debugf("endpoint %d: cluster %d attached", endpoint, id)
	return nil
}

// DeleteCluster detaches a behavior. The endpoint is pruned when its
// last cluster goes.
func (s *Service) DeleteCluster(endpoint EndpointID, cluster ClusterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clusters, ok := s.endpoints[endpoint]
	if !ok {
		return ErrClusterNotFound
	}
	if _, exists := clusters[cluster]; !exists {
		return ErrClusterNotFound
	}
	delete(clusters, cluster)
	if len(clusters) == 0 {
		delete(s.endpoints, endpoint)
	}
	s.log.Debugf("endpoint %d: cluster %d detached", endpoint, cluster)
	return nil
}

// Cluster resolves a behavior by concrete path.
func (s *Service) Cluster(endpoint EndpointID, cluster ClusterID) (ClusterBehavior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	behavior, ok := s.endpoints[endpoint][cluster]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return behavior, nil
}

// Endpoints lists the live endpoints in ascending order.
func (s *Service) Endpoints() []EndpointID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]EndpointID, 0, len(s.endpoints))
	for id := range s.endpoints {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clusters lists the clusters attached under an endpoint in ascending
// order. A pruned endpoint yields nil.
func (s *Service) Clusters(endpoint EndpointID) []ClusterID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clusters := s.endpoints[endpoint]
	if len(clusters) == 0 {
		return nil
	}
	out := make([]ClusterID, 0, len(clusters))
	for id := range clusters {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveAttributePaths expands possibly wildcarded request paths into
// the concrete paths currently live in the projection. Concrete input
// paths survive only if present.
func (s *Service) ResolveAttributePaths(paths []AttributePath) []AttributePath {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AttributePath
	for _, p := range paths {
		for endpoint, clusters := range s.endpoints {
			if p.Endpoint != WildcardEndpoint && p.Endpoint != endpoint {
				continue
			}
			for clusterID, behavior := range clusters {
				if p.Cluster != WildcardCluster && p.Cluster != clusterID {
					continue
				}
				for _, attr := range behavior.AttributeIDs() {
					if p.Attribute != WildcardAttribute && p.Attribute != attr {
						continue
					}
					out = append(out, AttributePath{Endpoint: endpoint, Cluster: clusterID, Attribute: attr})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Endpoint != b.Endpoint {
			return a.Endpoint < b.Endpoint
		}
		if a.Cluster != b.Cluster {
			return a.Cluster < b.Cluster
		}
		return a.Attribute < b.Attribute
	})
	return out
}

// AddChangeListener registers a listener and returns its removal
// function.
func (s *Service) AddChangeListener(l ChangeListener) func() {
	s.mu.Lock()
	token := s.nextToken
	s.nextToken++
	s.listeners[token] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, token)
		s.mu.Unlock()
	}
}

// HandleChange announces one logical change batch on a cluster. The
// notification carries the cluster's current data version and is
// emitted exactly once per call; callers must invoke it once per
// mutation batch, never per attribute.
func (s *Service) HandleChange(endpoint EndpointID, cluster ClusterID, attrs []AttributeID) error {
	s.mu.RLock()
	behavior, ok := s.endpoints[endpoint][cluster]
	if !ok {
		s.mu.RUnlock()
		return ErrClusterNotFound
	}
	change := AttributeChange{
		Endpoint:   endpoint,
		Cluster:    cluster,
		Version:    behavior.Version(),
		Attributes: append([]AttributeID(nil), attrs...),
	}
	tokens := make([]int, 0, len(s.listeners))
	for token := range s.listeners {
		tokens = append(tokens, token)
	}
	sort.Ints(tokens)
	listeners := make([]ChangeListener, 0, len(tokens))
	for _, token := range tokens {
		listeners = append(listeners, s.listeners[token])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
	return nil
}
