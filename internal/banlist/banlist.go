// Package banlist tracks misbehaving peers. Strikes and kicks live for the
// process; permanent bans go through a Store.
package banlist

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/blukai/netplay/internal/logging"
)

type Kind string

const (
	KindIP       Kind = "ip"
	KindIdentity Kind = "identity"
)

type Entry struct {
	Kind   Kind
	Value  string
	Name   string
	Reason string
	At     time.Time
}

func key(kind Kind, value string) uint64 {
	d := xxhash.New()
	d.WriteString(string(kind))
	d.Write([]byte{0})
	d.WriteString(value)
	return d.Sum64()
}

// pairKey identifies an (ip, identity) combination.
func pairKey(ip, ident string) uint64 {
	d := xxhash.New()
	d.WriteString(ip)
	d.Write([]byte{0})
	d.WriteString(ident)
	return d.Sum64()
}

type Config struct {
	// StrikeThreshold is how many bad attempts an IP gets before it is
	// banned permanently.
	StrikeThreshold int
	// AcceptRate and AcceptBurst limit how often one IP may connect.
	AcceptRate  rate.Limit
	AcceptBurst int
	// Store persists permanent bans, defaults to memory.
	Store  Store
	Logger *log.Logger
}

const (
	DefaultStrikeThreshold = 5
	DefaultAcceptRate      = rate.Limit(2)
	DefaultAcceptBurst     = 4
)

type List struct {
	cfg    Config
	logger *log.Logger

	mu        sync.Mutex
	strikes   map[uint64]int
	session   map[uint64]Entry
	permanent map[uint64]Entry
	demoted   map[uint64]struct{}
	limiters  map[uint64]*rate.Limiter
}

func New(ctx context.Context, cfg Config) (*List, error) {
	if cfg.StrikeThreshold <= 0 {
		cfg.StrikeThreshold = DefaultStrikeThreshold
	}
	if cfg.AcceptRate == 0 {
		cfg.AcceptRate = DefaultAcceptRate
	}
	if cfg.AcceptBurst <= 0 {
		cfg.AcceptBurst = DefaultAcceptBurst
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}

	l := &List{
		cfg:       cfg,
		logger:    logging.OrDiscard(cfg.Logger),
		strikes:   make(map[uint64]int),
		session:   make(map[uint64]Entry),
		permanent: make(map[uint64]Entry),
		demoted:   make(map[uint64]struct{}),
		limiters:  make(map[uint64]*rate.Limiter),
	}

	entries, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not load bans: %w", err)
	}
	for _, e := range entries {
		l.permanent[key(e.Kind, e.Value)] = e
	}

	return l, nil
}

// Strike counts a bad connection attempt. It returns true when this strike
// got the IP banned.
func (l *List) Strike(ctx context.Context, ip, ident, reason string, now time.Time) bool {
	l.mu.Lock()
	k := key(KindIP, ip)
	l.strikes[k]++
	count := l.strikes[k]
	if ident != "" {
		l.strikes[key(KindIdentity, ident)]++
	}
	_, already := l.permanent[k]
	l.mu.Unlock()

	l.logger.Debug().
		Str("ip", ip).
		Int("strikes", count).
		Str("reason", reason).
		Msg("strike")

	if already || count < l.cfg.StrikeThreshold {
		return false
	}
	if err := l.Ban(ctx, Entry{Kind: KindIP, Value: ip, Reason: reason, At: now}); err != nil {
		l.logger.Error().Err(err).Str("ip", ip).Msg("could not persist ban")
	}
	return true
}

func (l *List) Strikes(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strikes[key(KindIP, ip)]
}

// Ban records a permanent ban.
func (l *List) Ban(ctx context.Context, e Entry) error {
	l.mu.Lock()
	l.permanent[key(e.Kind, e.Value)] = e
	l.mu.Unlock()

	l.logger.Warn().
		Str("kind", string(e.Kind)).
		Str("value", e.Value).
		Str("reason", e.Reason).
		Msg("banned")

	return l.cfg.Store.Add(ctx, e)
}

// Kick bans ip and ident for the rest of this process.
func (l *List) Kick(ip, ident, name string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ip != "" {
		l.session[key(KindIP, ip)] = Entry{Kind: KindIP, Value: ip, Name: name, Reason: "kicked", At: now}
	}
	if ident != "" {
		l.session[key(KindIdentity, ident)] = Entry{Kind: KindIdentity, Value: ident, Name: name, Reason: "kicked", At: now}
	}
}

func (l *List) IsBanned(ip, ident string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range []uint64{key(KindIP, ip), key(KindIdentity, ident)} {
		if _, ok := l.session[k]; ok {
			return true
		}
		if _, ok := l.permanent[k]; ok {
			return true
		}
	}
	return false
}

// Demote remembers that the host moved this participant to spectators, so
// that a rejoin does not put them back in a player slot.
func (l *List) Demote(ip, ident string) {
	l.mu.Lock()
	l.demoted[pairKey(ip, ident)] = struct{}{}
	l.mu.Unlock()
}

func (l *List) Undemote(ip, ident string) {
	l.mu.Lock()
	delete(l.demoted, pairKey(ip, ident))
	l.mu.Unlock()
}

func (l *List) IsDemoted(ip, ident string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.demoted[pairKey(ip, ident)]
	return ok
}

// Allow reports whether ip may open another connection now.
func (l *List) Allow(ip string, now time.Time) bool {
	l.mu.Lock()
	k := key(KindIP, ip)
	lim, ok := l.limiters[k]
	if !ok {
		lim = rate.NewLimiter(l.cfg.AcceptRate, l.cfg.AcceptBurst)
		l.limiters[k] = lim
	}
	l.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Prune forgets limiters that have refilled completely.
func (l *List) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.cfg.AcceptBurst) {
			delete(l.limiters, k)
		}
	}
}

// Entries returns session and permanent bans.
func (l *List) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.session)+len(l.permanent))
	for _, e := range l.session {
		out = append(out, e)
	}
	for _, e := range l.permanent {
		out = append(out, e)
	}
	return out
}

func (l *List) Close() error {
	return l.cfg.Store.Close()
}
