package banlist_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/blukai/netplay/internal/banlist"
)

func TestStrikesPromoteToBan(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	l, err := banlist.New(ctx, banlist.Config{StrikeThreshold: 3})
	is.NoErr(err)

	is.True(!l.Strike(ctx, "192.0.2.1", "", "bad signature", now))
	is.True(!l.Strike(ctx, "192.0.2.1", "", "bad signature", now))
	is.True(!l.IsBanned("192.0.2.1", ""))
	is.True(l.Strike(ctx, "192.0.2.1", "", "bad signature", now))
	is.True(l.IsBanned("192.0.2.1", ""))
	is.True(!l.IsBanned("192.0.2.2", ""))

	// further strikes do not re-ban
	is.True(!l.Strike(ctx, "192.0.2.1", "", "bad signature", now))
	is.Equal(l.Strikes("192.0.2.1"), 4)
}

func TestKickMatchesIPOrIdentity(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	l, err := banlist.New(ctx, banlist.Config{})
	is.NoErr(err)

	l.Kick("192.0.2.7", "pubkey", "Mallory", time.Now())
	is.True(l.IsBanned("192.0.2.7", "other"))
	is.True(l.IsBanned("198.51.100.1", "pubkey"))
	is.True(!l.IsBanned("198.51.100.1", "other"))
}

func TestDemotionIsPerIPAndIdentity(t *testing.T) {
	is := is.New(t)

	l, err := banlist.New(context.Background(), banlist.Config{})
	is.NoErr(err)

	l.Demote("192.0.2.7", "pubkey")
	is.True(l.IsDemoted("192.0.2.7", "pubkey"))
	is.True(!l.IsDemoted("192.0.2.8", "pubkey"))
	l.Undemote("192.0.2.7", "pubkey")
	is.True(!l.IsDemoted("192.0.2.7", "pubkey"))
}

func TestAllowLimitsPerIP(t *testing.T) {
	is := is.New(t)
	now := time.Unix(1000, 0)

	l, err := banlist.New(context.Background(), banlist.Config{AcceptRate: 1, AcceptBurst: 2})
	is.NoErr(err)

	is.True(l.Allow("192.0.2.1", now))
	is.True(l.Allow("192.0.2.1", now))
	is.True(!l.Allow("192.0.2.1", now))
	is.True(l.Allow("192.0.2.2", now))
	is.True(l.Allow("192.0.2.1", now.Add(time.Second)))

	l.Prune(now.Add(time.Minute))
	is.True(l.Allow("192.0.2.1", now.Add(time.Minute)))
}

func TestSQLiteStorePersists(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bans.db")

	store, err := banlist.OpenSQLite(ctx, path)
	is.NoErr(err)
	l, err := banlist.New(ctx, banlist.Config{Store: store})
	is.NoErr(err)
	is.NoErr(l.Ban(ctx, banlist.Entry{Kind: banlist.KindIdentity, Value: "pubkey", Reason: "griefing", At: time.Unix(1000, 0)}))
	is.NoErr(l.Close())

	store, err = banlist.OpenSQLite(ctx, path)
	is.NoErr(err)
	l, err = banlist.New(ctx, banlist.Config{Store: store})
	is.NoErr(err)
	defer l.Close()

	is.True(l.IsBanned("192.0.2.1", "pubkey"))
	entries := l.Entries()
	is.Equal(len(entries), 1)
	is.Equal(entries[0].Reason, "griefing")
}
