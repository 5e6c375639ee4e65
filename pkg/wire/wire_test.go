package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
)

// TestMPIntEncoding checks the RFC 4251 Section 5 mpint examples.
func TestMPIntEncoding(t *testing.T) {
	tests := []struct {
		name  string
		value string // hex, big-endian magnitude
		wire  string // hex, full length-prefixed encoding
	}{
		{"zero", "00", "00000000"},
		{"small", "09a378f9b2e332a7", "0000000809a378f9b2e332a7"},
		{"leading zero added", "80", "000000020080"},
		{"no leading zero", "7f", "000000017f"},
		{"boundary", "ff21", "0000000300ff21"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := new(big.Int).SetString(tt.value, 16)
			if !ok {
				t.Fatalf("bad test value %q", tt.value)
			}
			want, err := hex.DecodeString(tt.wire)
			if err != nil {
				t.Fatalf("bad test wire %q", tt.wire)
			}

			w := &Writer{}
			w.MPInt(v)
			if !bytes.Equal(w.Bytes(), want) {
				t.Errorf("encode = %x, want %x", w.Bytes(), want)
			}

			r := NewReader(want)
			got, err := r.MPInt()
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Cmp(v) != 0 {
				t.Errorf("decode = %v, want %v", got, v)
			}
			if err := r.End(); err != nil {
				t.Errorf("End after decode: %v", err)
			}
		})
	}
}

func TestMPIntRejectsNegative(t *testing.T) {
	// 0x80 with no leading zero byte would decode as a negative two's
	// complement value.
	r := NewReader([]byte{0x00, 0x00, 0x00, 0x01, 0x80})
	if _, err := r.MPInt(); !errors.Is(err, ErrNegativeMPInt) {
		t.Fatalf("err = %v, want ErrNegativeMPInt", err)
	}
}

func TestNameList(t *testing.T) {
	w := &Writer{}
	w.NameList([]string{"aes128-ctr", "aes256-ctr"})
	r := NewReader(w.Bytes())
	got, err := r.NameList()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0] != "aes128-ctr" || got[1] != "aes256-ctr" {
		t.Errorf("decode = %v", got)
	}

	// The empty list is the empty string, not a list of one empty name.
	w = &Writer{}
	w.NameList(nil)
	if !bytes.Equal(w.Bytes(), []byte{0, 0, 0, 0}) {
		t.Errorf("empty list = %x", w.Bytes())
	}
	r = NewReader(w.Bytes())
	if got, err = r.NameList(); err != nil || got != nil {
		t.Errorf("decode empty = %v, %v", got, err)
	}
}

func TestReaderShortInput(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		read func(*Reader) error
		want error
	}{
		{"uint32", []byte{1, 2}, func(r *Reader) error { _, err := r.Uint32(); return err }, ErrUnexpectedEOF},
		{"string header", []byte{0, 0}, func(r *Reader) error { _, err := r.String(); return err }, ErrUnexpectedEOF},
		{"string body", []byte{0, 0, 0, 9, 'x'}, func(r *Reader) error { _, err := r.String(); return err }, ErrStringTooLong},
		{"byte", nil, func(r *Reader) error { _, err := r.Byte(); return err }, ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.read(NewReader(tt.in)); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestKexInitRoundTrip matters beyond marshaling correctness: the raw KEXINIT
// bytes feed the exchange hash, so a re-marshaled message must be identical.
func TestKexInitRoundTrip(t *testing.T) {
	k := &KexInit{
		KexAlgorithms:           []string{"curve25519-sha256", "diffie-hellman-group14-sha1"},
		ServerHostKeyAlgorithms: []string{"ssh-ed25519", "ssh-rsa"},
		CiphersClientServer:     []string{"aes128-ctr"},
		CiphersServerClient:     []string{"aes128-ctr"},
		MACsClientServer:        []string{"hmac-sha2-256", "hmac-sha1"},
		MACsServerClient:        []string{"hmac-sha2-256"},
		CompressionClientServer: []string{"none"},
		CompressionServerClient: []string{"none"},
		FirstKexPacketFollows:   false,
	}
	copy(k.Cookie[:], []byte("0123456789abcdef"))

	p := k.Marshal()
	got, err := UnmarshalKexInit(p)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(got.Marshal(), p) {
		t.Error("re-marshal differs from original bytes")
	}
	if got.KexAlgorithms[0] != "curve25519-sha256" {
		t.Errorf("kex algorithms = %v", got.KexAlgorithms)
	}
	if got.LanguagesClientServer != nil {
		t.Errorf("languages = %v, want nil", got.LanguagesClientServer)
	}
}

func TestChannelDataAliasesPayload(t *testing.T) {
	m := &ChannelData{RecipientChannel: 3, Data: []byte("hello")}
	p := m.Marshal()
	got, err := UnmarshalChannelData(p)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RecipientChannel != 3 || string(got.Data) != "hello" {
		t.Errorf("decode = %+v", got)
	}
	// Documented aliasing: mutating the packet buffer mutates Data.
	p[len(p)-1] = '!'
	if string(got.Data) != "hell!" {
		t.Errorf("expected aliasing, got %q", got.Data)
	}
}

func TestUnmarshalWrongType(t *testing.T) {
	m := &ChannelWindowAdjust{RecipientChannel: 1, AdditionalBytes: 2}
	if _, err := UnmarshalChannelData(m.Marshal()); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
}
