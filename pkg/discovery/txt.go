package discovery

import "strings"

// ParseTXT splits DNS-SD TXT records into key-value pairs (RFC 6763
// Section 6.3). Records without '=' are boolean attributes and map to
// the empty string. Keys are case-insensitive on the wire, so they are
// lowercased here; SSH advertisements rarely carry more than a "u="
// user hint, if anything.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string, len(records))
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key == "" {
			continue
		}
		result[strings.ToLower(key)] = value
	}
	return result
}
