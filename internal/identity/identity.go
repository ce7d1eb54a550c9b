// Package identity holds a participant's long-lived key pair and the
// challenge/response used to prove possession of it while joining.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blukai/netplay/internal/protocol"
)

var ErrInvalidKey = errors.New("invalid identity key")

type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func Generate() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return &Identity{priv: priv, pub: pub}, nil
}

func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes: %w", len(seed), ErrInvalidKey)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Identity{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadOrCreate reads a base64 seed from path, creating the file with a fresh
// key when it does not exist.
func LoadOrCreate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("could not decode %s: %w", path, err)
		}
		return FromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create identity dir: %w", err)
	}
	seed := base64.StdEncoding.EncodeToString(id.priv.Seed())
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("could not write %s: %w", path, err)
	}
	return id, nil
}

func (id *Identity) Public() []byte {
	return id.pub
}

func (id *Identity) PublicBase64() string {
	return EncodePublic(id.pub)
}

func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.priv, msg)
}

// EncodePublic is the text form of a public key used by ban lists and logs.
func EncodePublic(pub []byte) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

func NewChallenge() ([]byte, error) {
	challenge := make([]byte, protocol.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("could not generate challenge: %w", err)
	}
	return challenge, nil
}
