package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// Host is one SSH server found on the network.
type Host struct {
	// ServiceType says which service type advertised the host.
	ServiceType ServiceType

	// Instance is the DNS-SD instance name, typically the machine's
	// friendly name.
	Instance string

	// Hostname is the advertised target host name, like "box.local.".
	Hostname string

	// Port is the advertised port.
	Port int

	// Addrs contains the resolved IP addresses, most dialable first.
	Addrs []net.IP

	// Text contains the TXT record key-value pairs.
	Text map[string]string
}

// PreferredIP returns the most dialable address, or nil when the answer
// carried none.
func (h *Host) PreferredIP() net.IP {
	if len(h.Addrs) > 0 {
		return h.Addrs[0]
	}
	return nil
}

// Addr returns a host:port string ready for net.Dial, using the
// preferred IP or, without one, the advertised host name.
func (h *Host) Addr() string {
	port := strconv.Itoa(h.Port)
	if ip := h.PreferredIP(); ip != nil {
		return net.JoinHostPort(ip.String(), port)
	}
	return net.JoinHostPort(strings.TrimSuffix(h.Hostname, "."), port)
}

// IPv6Addresses returns only IPv6 addresses from the host.
func (h *Host) IPv6Addresses() []net.IP {
	return FilterIPv6(h.Addrs)
}

// IPv4Addresses returns only IPv4 addresses from the host.
func (h *Host) IPv4Addresses() []net.IP {
	return FilterIPv4(h.Addrs)
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// If zero, DefaultBrowseTimeout is used.
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// If zero, DefaultLookupTimeout is used.
	LookupTimeout time.Duration
}

// Resolver discovers SSH servers via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}

	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	return &Resolver{
		config:   config,
		resolver: resolver,
	}, nil
}

// Browse discovers SSH servers on the network. The returned channel
// receives hosts until the context is cancelled or the browse timeout
// expires, then closes.
func (r *Resolver) Browse(ctx context.Context) (<-chan Host, error) {
	return r.BrowseService(ctx, ServiceTypeSSH)
}

// BrowseService discovers servers of the given service type, for
// finding SFTP advertisements next to plain SSH ones.
func (r *Resolver) BrowseService(ctx context.Context, serviceType ServiceType) (<-chan Host, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}
	return r.browse(ctx, serviceType, serviceType.ServiceString()), nil
}

// browse performs a generic browse operation.
func (r *Resolver) browse(ctx context.Context, serviceType ServiceType, service string) <-chan Host {
	results := make(chan Host)
	entries := make(chan *zeroconf.ServiceEntry)

	// Apply the browse timeout when the context has no deadline of its
	// own.
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(results)
		defer cancel()

		go func() {
			defer close(entries)
			r.resolver.Browse(ctx, service, DefaultDomain, entries)
		}()

		for entry := range entries {
			host := entryToHost(entry, serviceType)
			select {
			case results <- host:
			case <-ctx.Done():
				return
			}
		}
	}()

	return results
}

// Lookup resolves a specific service instance by name.
func (r *Resolver) Lookup(ctx context.Context, serviceType ServiceType, instanceName string) (*Host, error) {
	if !serviceType.IsValid() {
		return nil, ErrInvalidServiceType
	}

	// Apply the lookup timeout when the context has no deadline of its
	// own.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
		defer cancel()
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		defer close(entries)
		r.resolver.Lookup(ctx, instanceName, serviceType.ServiceString(), DefaultDomain, entries)
	}()

	select {
	case entry, ok := <-entries:
		if !ok || entry == nil {
			return nil, ErrServiceNotFound
		}
		host := entryToHost(entry, serviceType)
		return &host, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// entryToHost converts a zeroconf.ServiceEntry to a Host.
func entryToHost(entry *zeroconf.ServiceEntry, serviceType ServiceType) Host {
	var allIPs []net.IP
	allIPs = append(allIPs, entry.AddrIPv6...)
	allIPs = append(allIPs, entry.AddrIPv4...)

	return Host{
		ServiceType: serviceType,
		Instance:    entry.Instance,
		Hostname:    entry.HostName,
		Port:        entry.Port,
		Addrs:       SortIPsByPreference(allIPs),
		Text:        ParseTXT(entry.Text),
	}
}
