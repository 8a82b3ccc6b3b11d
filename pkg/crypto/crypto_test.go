package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestProviders(t *testing.T) {
	for _, name := range []string{Blake2bName, Blake3Name} {
		t.Run(name, func(t *testing.T) {
			p, err := ProviderByName(name)
			if err != nil {
				t.Fatalf("ProviderByName(%q): %v", name, err)
			}
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}

			pub, sec, err := p.GenerateKeyPair()
			if err != nil {
				t.Fatalf("GenerateKeyPair: %v", err)
			}
			if err := MatchKeyPair(pub, sec); err != nil {
				t.Fatalf("MatchKeyPair: %v", err)
			}

			msg := []byte("head")
			sig, err := p.Sign(sec, msg)
			if err != nil {
				t.Fatalf("Sign: %v", err)
			}
			if !p.Verify(pub, msg, sig) {
				t.Error("valid signature rejected")
			}
			if p.Verify(pub, []byte("other"), sig) {
				t.Error("signature accepted for a different message")
			}
			if p.Verify(pub[:10], msg, sig) {
				t.Error("short key accepted")
			}

			if p.Hash([]byte("ab"), []byte("c")) != p.Hash([]byte("abc")) {
				t.Error("Hash must digest the concatenation of its parts")
			}
			if p.Hash([]byte("a")) == p.Hash([]byte("b")) {
				t.Error("distinct inputs hashed equal")
			}
		})
	}
}

func TestProvidersDiffer(t *testing.T) {
	data := []byte("same input")
	if NewDefaultProvider().Hash(data) == NewBlake3Provider().Hash(data) {
		t.Error("BLAKE2b and BLAKE3 digests should differ")
	}
}

func TestProviderByNameUnknown(t *testing.T) {
	if _, err := ProviderByName("md5"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
	p, err := ProviderByName("")
	if err != nil || p.Name() != Blake2bName {
		t.Errorf("empty name should select the default provider, got %v, %v", p, err)
	}
}

func TestKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	pub1, sec1, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	pub2, _, _ := KeyPairFromSeed(seed)
	if !pub1.Equal(pub2) {
		t.Error("same seed produced different keys")
	}
	if err := MatchKeyPair(pub1, sec1); err != nil {
		t.Error(err)
	}
	if _, _, err := KeyPairFromSeed(seed[:5]); !errors.Is(err, ErrInvalidSecretKey) {
		t.Errorf("short seed err = %v", err)
	}
}

func TestMatchKeyPairMismatch(t *testing.T) {
	p := NewDefaultProvider()
	pub, _, _ := p.GenerateKeyPair()
	_, sec, _ := p.GenerateKeyPair()
	if err := MatchKeyPair(pub, sec); !errors.Is(err, ErrInvalidSecretKey) {
		t.Errorf("err = %v, want ErrInvalidSecretKey", err)
	}
}

func TestParsePublicKey(t *testing.T) {
	pub, _, _ := NewDefaultProvider().GenerateKeyPair()
	parsed, err := ParsePublicKey(pub.String())
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(pub) {
		t.Error("parsed key differs")
	}
	if _, err := ParsePublicKey("zz"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("err = %v", err)
	}
	if _, err := ParsePublicKey("abcd"); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("err = %v", err)
	}
}
