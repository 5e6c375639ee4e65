package signature

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// FingerprintSHA256 returns the OpenSSH-form fingerprint of a raw key
// blob: "SHA256:" followed by the unpadded base64 digest.
func FingerprintSHA256(blob []byte) string {
	sum := sha256.Sum256(blob)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// FingerprintMD5 returns the legacy colon-separated lowercase hex form,
// the one older host key prompts show.
func FingerprintMD5(blob []byte) string {
	sum := md5.Sum(blob)
	var b strings.Builder
	for i, v := range sum {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", v)
	}
	return b.String()
}
