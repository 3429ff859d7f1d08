package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/fabric"
)

// MDNSServer is one live mDNS registration.
type MDNSServer interface {
	// Shutdown withdraws the registration.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances. Tests inject a fake;
// production uses zeroconf.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error)
}

type zeroconfFactory struct{}

func (zeroconfFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

// OperationalTXT holds the TXT records of an operational advertisement.
type OperationalTXT struct {
	// IdleInterval is the expected polling interval of an idle node,
	// published as SII. Zero omits the key.
	IdleInterval time.Duration

	// ActiveInterval is the expected response interval of an active
	// node, published as SAI. Zero omits the key.
	ActiveInterval time.Duration

	// TCPSupported publishes T=1.
	TCPSupported bool
}

// Encode converts the record to DNS-SD key=value strings.
func (t *OperationalTXT) Encode() []string {
	var txt []string
	if t.IdleInterval > 0 {
		txt = append(txt, fmt.Sprintf("%s=%d", TXTKeyIdleInterval, t.IdleInterval.Milliseconds()))
	}
	if t.ActiveInterval > 0 {
		txt = append(txt, fmt.Sprintf("%s=%d", TXTKeyActiveInterval, t.ActiveInterval.Milliseconds()))
	}
	if t.TCPSupported {
		txt = append(txt, TXTKeyTCPSupported+"=1")
	}
	return txt
}

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Port is the operational port to advertise (default 5540).
	Port int

	// Interfaces limits advertising to specific interfaces. Nil uses
	// all of them.
	Interfaces []net.Interface

	// ServerFactory overrides the zeroconf registration backend.
	ServerFactory MDNSServerFactory

	LoggerFactory logging.LoggerFactory
}

// Advertiser publishes one operational DNS-SD advertisement per
// commissioned fabric.
type Advertiser struct {
	port    int
	ifaces  []net.Interface
	factory MDNSServerFactory
	log     logging.LeveledLogger

	mu      sync.Mutex
	servers map[fabric.Index]MDNSServer
	closed  bool
}

// NewAdvertiser creates an Advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	if config.Port <= 0 || config.Port > 65535 {
		config.Port = DefaultPort
	}
	if config.ServerFactory == nil {
		config.ServerFactory = zeroconfFactory{}
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Advertiser{
		port:    config.Port,
		ifaces:  config.Interfaces,
		factory: config.ServerFactory,
		log:     config.LoggerFactory.NewLogger("discovery"),
		servers: make(map[fabric.Index]MDNSServer),
	}
}

// StartOperational publishes the node's identity on one fabric.
func (a *Advertiser) StartOperational(info *fabric.Info, txt OperationalTXT) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.servers[info.Index]; exists {
		return ErrAlreadyAdvertised
	}

	instance := OperationalInstanceName(info.CompressedID, info.NodeID)
	server, err := a.factory.Register(instance, ServiceOperational, DefaultDomain, a.port, txt.Encode(), a.ifaces)
	if err != nil {
		return fmt.Errorf("discovery: registering %s: %w", instance, err)
	}

	a.log.Infof("advertising %s on %s for %s", instance, ServiceOperational, info.Index)
	a.servers[info.Index] = server
	return nil
}

// Stop withdraws the advertisement of one fabric.
func (a *Advertiser) Stop(index fabric.Index) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	server, exists := a.servers[index]
	if !exists {
		return ErrNotAdvertised
	}
	server.Shutdown()
	delete(a.servers, index)
	return nil
}

// IsAdvertising reports whether the fabric has a live advertisement.
func (a *Advertiser) IsAdvertising(index fabric.Index) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, exists := a.servers[index]
	return exists
}

// Close withdraws every advertisement. Idempotent.
func (a *Advertiser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true
	for _, server := range a.servers {
		server.Shutdown()
	}
	a.servers = nil
	return nil
}
