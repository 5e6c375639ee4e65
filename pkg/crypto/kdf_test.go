package crypto

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"math/big"
	"testing"
)

// TestDeriveKeyConstruction checks the RFC 4253 Section 7.2 construction
// against an explicit computation, including the mpint framing of K.
func TestDeriveKeyConstruction(t *testing.T) {
	k := new(big.Int).SetBytes([]byte{0x87, 0x12, 0x34}) // high bit set: mpint gains a zero byte
	h := []byte("exchange-hash-bytes")
	sid := []byte("session-id-bytes")

	got, err := DeriveKey(sha256.New, k, h, sid, 'C', 32)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	d := sha256.New()
	d.Write([]byte{0x00, 0x00, 0x00, 0x04, 0x00, 0x87, 0x12, 0x34})
	d.Write(h)
	d.Write([]byte{'C'})
	d.Write(sid)
	want := d.Sum(nil)

	if !bytes.Equal(got, want) {
		t.Errorf("derived = %x, want %x", got, want)
	}
}

// TestDeriveKeyChaining checks the extension rounds: K2 = HASH(K || H || K1).
func TestDeriveKeyChaining(t *testing.T) {
	k := big.NewInt(0x0badc0de)
	h := []byte{1, 2, 3, 4}
	sid := []byte{5, 6, 7, 8}

	got, err := DeriveKey(sha1.New, k, h, sid, 'E', 48)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if len(got) != 48 {
		t.Fatalf("len = %d, want 48", len(got))
	}

	kWire := []byte{0x00, 0x00, 0x00, 0x04, 0x0b, 0xad, 0xc0, 0xde}

	d := sha1.New()
	d.Write(kWire)
	d.Write(h)
	d.Write([]byte{'E'})
	d.Write(sid)
	k1 := d.Sum(nil)

	d = sha1.New()
	d.Write(kWire)
	d.Write(h)
	d.Write(k1)
	k2 := d.Sum(nil)

	want := append(append([]byte{}, k1...), k2...)[:48]
	if !bytes.Equal(got, want) {
		t.Errorf("derived = %x, want %x", got, want)
	}
}

// TestDeriveKeyPrefixProperty: requesting fewer bytes yields a prefix of a
// longer request, so cipher and MAC key sizes can be cut independently from
// one derivation stream.
func TestDeriveKeyPrefixProperty(t *testing.T) {
	k := big.NewInt(123456789)
	h := []byte("H")
	sid := []byte("S")

	long, err := DeriveKey(sha256.New, k, h, sid, 'A', 64)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	for _, n := range []int{1, 16, 24, 32, 33, 63} {
		short, err := DeriveKey(sha256.New, k, h, sid, 'A', n)
		if err != nil {
			t.Fatalf("DeriveKey(%d): %v", n, err)
		}
		if !bytes.Equal(short, long[:n]) {
			t.Errorf("length %d is not a prefix of the longer derivation", n)
		}
	}
}

func TestDeriveKeysLabelsDiffer(t *testing.T) {
	k := big.NewInt(42)
	h := []byte("H")
	sid := []byte("S")
	sizes := KeySizes{IVLen: 16, EncLen: 16, MACLen: 32}

	keys, err := DeriveKeys(sha256.New, k, h, sid, sizes, sizes)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}

	blobs := [][]byte{
		keys.IVClientServer, keys.IVServerClient,
		keys.EncClientServer, keys.EncServerClient,
		keys.MACClientServer, keys.MACServerClient,
	}
	for i := range blobs {
		if blobs[i] == nil {
			t.Fatalf("blob %d is nil", i)
		}
		for j := i + 1; j < len(blobs); j++ {
			if bytes.Equal(blobs[i], blobs[j]) {
				t.Errorf("blobs %d and %d are identical", i, j)
			}
		}
	}
	if len(keys.MACClientServer) != 32 {
		t.Errorf("MAC key length = %d, want 32", len(keys.MACClientServer))
	}
}

func TestDeriveKeyRejectsBadLabel(t *testing.T) {
	if _, err := DeriveKey(sha256.New, big.NewInt(1), nil, nil, 'G', 16); err != ErrKDFBadLabel {
		t.Fatalf("err = %v, want ErrKDFBadLabel", err)
	}
}

// TestDeriveKeySessionIDIndependent: after the first round the session ID no
// longer participates, only the accumulated output does. Two session IDs must
// still diverge from round one onward.
func TestDeriveKeySessionIDDiverges(t *testing.T) {
	k := big.NewInt(7)
	h := []byte("H")

	a, err := DeriveKey(sha256.New, k, h, []byte("sid-one"), 'B', 64)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey(sha256.New, k, h, []byte("sid-two"), 'B', 64)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different session IDs derived identical material")
	}
}
