// Identification string exchange per RFC 4253 Section 4.2. The client sends
// its version line first; the server may precede its own line with free-form
// banner text that must be skipped without being mistaken for protocol data.

package transport

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	// maxVersionLineLen caps the SSH-prefixed identification line, CRLF
	// included (RFC 4253 Section 4.2).
	maxVersionLineLen = 255

	// Caps on the pre-version banner a server may emit. These are well
	// beyond anything a reasonable server sends and exist so a hostile
	// peer cannot feed an endless banner.
	maxBannerLineLen = 4096
	maxBannerLines   = 1024
)

// writeVersion sends our identification line. The version must not contain
// CR or LF; the line terminator is added here.
func writeVersion(w io.Writer, version string) error {
	if version == "" || !strings.HasPrefix(version, "SSH-2.0-") {
		return fmt.Errorf("%w: bad client version %q", ErrVersionExchange, version)
	}
	if strings.ContainsAny(version, "\r\n") {
		return fmt.Errorf("%w: client version contains line terminator", ErrVersionExchange)
	}
	if len(version)+2 > maxVersionLineLen {
		return fmt.Errorf("%w: client version too long", ErrVersionExchange)
	}
	_, err := w.Write([]byte(version + "\r\n"))
	return err
}

// readVersion consumes the peer's banner lines, if any, and returns its
// identification line without the terminator. It reads through the same
// buffered reader the packet codec uses so no packet bytes are lost.
func readVersion(br *bufio.Reader) (string, error) {
	for i := 0; i < maxBannerLines; i++ {
		line, err := readIdentLine(br)
		if err != nil {
			return "", err
		}
		if !strings.HasPrefix(line, "SSH-") {
			// Banner line, skip.
			continue
		}
		if len(line) > maxVersionLineLen-2 {
			return "", fmt.Errorf("%w: version line too long", ErrVersionExchange)
		}
		rest := strings.TrimPrefix(line, "SSH-")
		dash := strings.IndexByte(rest, '-')
		if dash < 0 {
			return "", fmt.Errorf("%w: malformed version line %q", ErrVersionExchange, line)
		}
		// 1.99 is how pre-RFC servers advertise SSH2 compatibility.
		if proto := rest[:dash]; proto != "2.0" && proto != "1.99" {
			return "", fmt.Errorf("%w: unsupported protocol version %q", ErrVersionExchange, proto)
		}
		return line, nil
	}
	return "", fmt.Errorf("%w: no version line in banner", ErrVersionExchange)
}

// readIdentLine reads one LF-terminated line, tolerating a bare LF as some
// historic servers send, and strips the terminator.
func readIdentLine(br *bufio.Reader) (string, error) {
	var line []byte
	for len(line) <= maxBannerLineLen {
		b, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: %v", ErrVersionExchange, io.ErrUnexpectedEOF)
			}
			return "", err
		}
		if b == '\n' {
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			return string(line), nil
		}
		line = append(line, b)
	}
	return "", fmt.Errorf("%w: banner line too long", ErrVersionExchange)
}
