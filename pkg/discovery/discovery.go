// Package discovery finds SSH servers announced over DNS-SD (mDNS).
//
// Machines that advertise remote login the Bonjour way register
// "_ssh._tcp" instances (and usually "_sftp-ssh._tcp" alongside) in the
// .local domain. The Resolver browses those registrations and hands
// back dialable host records; it speaks no SSH itself.
package discovery

// ServiceType identifies the DNS-SD service type to browse.
type ServiceType int

// ServiceType constants.
const (
	// ServiceTypeUnknown represents an unknown or invalid service type.
	ServiceTypeUnknown ServiceType = iota

	// ServiceTypeSSH is interactive SSH, advertised as _ssh._tcp.
	ServiceTypeSSH

	// ServiceTypeSFTP is file access over SSH, advertised as
	// _sftp-ssh._tcp.
	ServiceTypeSFTP
)

// DNS-SD service type strings.
const (
	// ServiceSSH is the DNS-SD service type for SSH servers.
	ServiceSSH = "_ssh._tcp"

	// ServiceSFTP is the DNS-SD service type for SFTP-over-SSH servers.
	ServiceSFTP = "_sftp-ssh._tcp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// String returns a human-readable string for the service type.
func (s ServiceType) String() string {
	switch s {
	case ServiceTypeSSH:
		return "SSH"
	case ServiceTypeSFTP:
		return "SFTP"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the service type is valid.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeSSH || s == ServiceTypeSFTP
}

// ServiceString returns the DNS-SD service type string.
func (s ServiceType) ServiceString() string {
	switch s {
	case ServiceTypeSSH:
		return ServiceSSH
	case ServiceTypeSFTP:
		return ServiceSFTP
	default:
		return ""
	}
}
