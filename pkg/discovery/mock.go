package discovery

import (
	"context"
	"net"
	"sync"

	"github.com/grandcat/zeroconf"
)

// MockMDNSResolver provides a mock mDNS resolver for testing without real
// network I/O. It allows registering services and simulating discovery
// responses.
type MockMDNSResolver struct {
	mu       sync.RWMutex
	services map[string][]*zeroconf.ServiceEntry
}

// NewMockMDNSResolver creates a new mock resolver.
func NewMockMDNSResolver() *MockMDNSResolver {
	return &MockMDNSResolver{
		services: make(map[string][]*zeroconf.ServiceEntry),
	}
}

// RegisterService registers a service that will be returned by Browse/Lookup.
func (m *MockMDNSResolver) RegisterService(service string, entry *zeroconf.ServiceEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[service] = append(m.services[service], entry)
}

// ClearServices removes all registered services.
func (m *MockMDNSResolver) ClearServices() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = make(map[string][]*zeroconf.ServiceEntry)
}

// Browse implements MDNSResolver.
func (m *MockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.RLock()
	svcEntries := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(svcEntries, m.services[service])
	m.mu.RUnlock()

	for _, entry := range svcEntries {
		select {
		case entries <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// Lookup implements MDNSResolver.
func (m *MockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	m.mu.RLock()
	svcEntries := make([]*zeroconf.ServiceEntry, len(m.services[service]))
	copy(svcEntries, m.services[service])
	m.mu.RUnlock()

	for _, entry := range svcEntries {
		if entry.Instance == instance {
			select {
			case entries <- entry:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}
	}

	return nil
}

// MockSSHService creates a service entry shaped like an mDNS answer for
// an advertised SSH server.
func MockSSHService(instance string, port int, ips []net.IP, txt []string) *zeroconf.ServiceEntry {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  ServiceSSH,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text:     txt,
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			entry.AddrIPv4 = append(entry.AddrIPv4, ip)
		} else {
			entry.AddrIPv6 = append(entry.AddrIPv6, ip)
		}
	}
	return entry
}
