package identity_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/matryer/is"

	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/protocol"
)

func TestChallengeResponse(t *testing.T) {
	is := is.New(t)

	id, err := identity.Generate()
	is.NoErr(err)

	challenge, err := identity.NewChallenge()
	is.NoErr(err)
	is.Equal(len(challenge), protocol.ChallengeSize)

	sig := id.Sign(challenge)
	is.True(identity.Verify(id.Public(), challenge, sig))

	other, err := identity.NewChallenge()
	is.NoErr(err)
	is.True(!bytes.Equal(challenge, other))
	is.True(!identity.Verify(id.Public(), other, sig))

	is.True(!identity.Verify([]byte("short"), challenge, sig))
	is.True(!identity.Verify(id.Public(), challenge, sig[:10]))
}

func TestLoadOrCreateIsStable(t *testing.T) {
	is := is.New(t)

	path := filepath.Join(t.TempDir(), "keys", "identity")
	first, err := identity.LoadOrCreate(path)
	is.NoErr(err)
	second, err := identity.LoadOrCreate(path)
	is.NoErr(err)
	is.Equal(first.PublicBase64(), second.PublicBase64())
}

func TestFromSeedRejectsBadSize(t *testing.T) {
	is := is.New(t)

	_, err := identity.FromSeed([]byte{1, 2, 3})
	is.True(err != nil)
}
