package session_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"github.com/blukai/netplay/internal/banlist"
	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/joiner"
	"github.com/blukai/netplay/internal/netqueue"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/slots"
	"github.com/blukai/netplay/internal/transport"
)

var version = protocol.Version{Major: 5, Minor: 3}

type recorder struct {
	joined      []int
	left        []int
	dropped     []bool
	kicked      []protocol.ErrorCode
	hostDropped int
	files       map[protocol.Hash]string
}

func (r *recorder) PlayerJoined(i int) { r.joined = append(r.joined, i) }

func (r *recorder) PlayerLeft(i int, dropped bool) {
	r.left = append(r.left, i)
	r.dropped = append(r.dropped, dropped)
}

func (r *recorder) SlotsChanged() {}

func (r *recorder) Kicked(code protocol.ErrorCode, _ string) { r.kicked = append(r.kicked, code) }

func (r *recorder) HostDropped() { r.hostDropped++ }

func (r *recorder) FileReceived(hash protocol.Hash, path string) {
	if r.files == nil {
		r.files = make(map[protocol.Hash]string)
	}
	r.files[hash] = path
}

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	is.New(t).NoErr(err)
	return id
}

func hostConfig(t *testing.T, rec *recorder) session.Config {
	t.Helper()
	is := is.New(t)

	bans, err := banlist.New(context.Background(), banlist.Config{AcceptRate: rate.Inf, AcceptBurst: 1})
	is.NoErr(err)
	t.Cleanup(func() { bans.Close() })

	return session.Config{
		Name:        "Host",
		Identity:    newIdentity(t),
		Version:     version,
		Layout:      slots.Layout{PlayerSlots: 4, SpectatorSlots: 6},
		Observer:    rec,
		Address:     "127.0.0.1:0",
		SessionName: "test game",
		MapName:     "Rush",
		Bans:        bans,
	}
}

func startHost(t *testing.T, cfg session.Config) *session.Session {
	t.Helper()
	s, err := session.Host(context.Background(), cfg, nil)
	is.New(t).NoErr(err)
	t.Cleanup(func() { s.Close() })
	return s
}

func candidate(t *testing.T, host *session.Session) joiner.Candidate {
	t.Helper()
	_, port, err := net.SplitHostPort(host.Addr())
	is.New(t).NoErr(err)
	p, err := strconv.Atoi(port)
	is.New(t).NoErr(err)
	return joiner.Candidate{Host: "127.0.0.1", Port: uint16(p)}
}

func clientConfig(t *testing.T, host *session.Session, name string, rec *recorder) session.Config {
	t.Helper()
	return session.Config{
		Name:     name,
		Identity: newIdentity(t),
		Version:  version,
		Layout:   host.Directory().Layout(),
		Observer: rec,
	}
}

func joinConfig(t *testing.T, host *session.Session, cfg session.Config) joiner.Config {
	t.Helper()
	return joiner.Config{
		Candidates:  []joiner.Candidate{candidate(t, host)},
		Version:     cfg.Version,
		Name:        cfg.Name,
		ModList:     cfg.ModList,
		Role:        protocol.RolePlayer,
		Identity:    cfg.Identity,
		Timeout:     3 * time.Second,
		DialTimeout: time.Second,
	}
}

// pump ticks everything until done holds.
func pump(t *testing.T, done func() bool, tickers ...func(time.Time)) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !done() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		now := time.Now()
		for _, tick := range tickers {
			tick(now)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func ticks(s *session.Session) func(time.Time) {
	return func(now time.Time) { s.Tick(now) }
}

func ticksAttempt(a *joiner.Attempt) func(time.Time) {
	return func(now time.Time) { a.Tick(now) }
}

// attempt runs a join against host until it needs a password or is over.
func attempt(t *testing.T, host *session.Session, cfg joiner.Config) *joiner.Attempt {
	t.Helper()
	a := joiner.Start(context.Background(), cfg, nil)
	t.Cleanup(a.Cancel)
	pump(t, func() bool {
		return a.State().Done() || a.State() == joiner.NeedsPassword
	}, ticks(host), ticksAttempt(a))
	return a
}

func established(t *testing.T, a *joiner.Attempt) *joiner.Established {
	t.Helper()
	is := is.New(t)
	is.Equal(a.State(), joiner.Succeeded)
	est, ok := a.Established()
	is.True(ok)
	t.Cleanup(func() { est.Socket.Close() })
	return est
}

func connect(t *testing.T, host *session.Session, cfg session.Config) *session.Session {
	t.Helper()
	return connectAs(t, host, cfg, protocol.RolePlayer)
}

func connectAs(t *testing.T, host *session.Session, cfg session.Config, role protocol.Role) *session.Session {
	t.Helper()
	is := is.New(t)

	jcfg := joinConfig(t, host, cfg)
	jcfg.Role = role
	a := attempt(t, host, jcfg)
	if a.State() != joiner.Succeeded {
		t.Fatalf("join failed: %v", a.Failure())
	}
	est, _ := a.Established()
	s, err := session.Join(est, cfg, nil)
	is.NoErr(err)
	t.Cleanup(func() { s.Close() })

	pump(t, func() bool {
		self, _ := s.Directory().Slot(s.Index())
		hostSlot, _ := s.Directory().Slot(s.HostIndex())
		return self.Allocated && hostSlot.Allocated
	}, ticks(host), ticks(s))
	return s
}

func slotOf(s *session.Session, i int) slots.Slot {
	slot, _ := s.Directory().Slot(i)
	return slot
}

func TestJoinAccepted(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	host := startHost(t, hostConfig(t, hostRec))
	is.NoErr(host.SetSlotController(1, slots.Closed))

	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	is.Equal(alice.Index(), 2)
	is.Equal(alice.HostIndex(), 0)
	is.True(!alice.IsHost())

	pump(t, func() bool { return slotOf(alice, 0).Name == "Host" && slotOf(alice, 2).Name == "Alice" },
		ticks(host), ticks(alice))
	is.Equal(slotOf(alice, 1).Controller, slots.Closed)
	is.True(slotOf(alice, 0).IsAdmin)

	is.Equal(hostRec.joined, []int{2})
	seat := slotOf(host, 2)
	is.Equal(seat.IPAddress, "127.0.0.1")
	is.True(seat.Identity != "")

	// replicas never learn addresses
	is.Equal(slotOf(alice, 2).IPAddress, "")

	is.Equal(host.Descriptor().CurrentPlayers, int32(2))
	is.Equal(host.Descriptor().MapName, "Rush")
}

func TestDescriptor(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	cfg.Password = "hunter2"
	host := startHost(t, cfg)

	desc := host.Descriptor()
	is.Equal(desc.StructVersion, uint32(protocol.DescriptorVersion))
	is.Equal(desc.Name, "test game")
	is.Equal(desc.HostName, "Host")
	is.Equal(desc.MaxPlayers, int32(4))
	is.Equal(desc.CurrentPlayers, int32(1))
	is.Equal(desc.Spectators, uint32(6))
	is.Equal(int(desc.GamePort), int(candidate(t, host).Port))
	is.True(desc.Private)

	is.NoErr(host.SetPassword(""))
	is.NoErr(host.Tick(time.Now()))
	is.True(!host.Descriptor().Private)
}

func TestJoinRejectedWhenFull(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	is.NoErr(host.SetMaxPlayers(2))
	connect(t, host, clientConfig(t, host, "Alice", new(recorder)))

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Bob", new(recorder))))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrFull)
	is.Equal(a.Failure().Text, "Game is full.")

	// spectator seats are counted separately
	jcfg := joinConfig(t, host, clientConfig(t, host, "Carol", new(recorder)))
	jcfg.Role = protocol.RoleSpectator
	est := established(t, attempt(t, host, jcfg))
	is.True(int(est.Index) >= 4)
	is.True(slotOf(host, int(est.Index)).IsSpectator)
}

func TestNoSeatLeftRejectsBeforeChallenge(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	cfg.Layout = slots.Layout{PlayerSlots: 2}
	host := startHost(t, cfg)
	connect(t, host, clientConfig(t, host, "Alice", new(recorder)))

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Bob", new(recorder))))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrFull)
}

func TestLockedRejectsAsFull(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	is.NoErr(host.Lock())

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder))))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrFull)
}

func TestPasswordRetry(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	cfg.Password = "hunter2"
	host := startHost(t, cfg)

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder))))
	is.Equal(a.State(), joiner.NeedsPassword)

	a.SubmitPassword("hunter2")
	pump(t, func() bool { return a.State().Done() }, ticks(host), ticksAttempt(a))
	est := established(t, a)
	is.Equal(est.Index, uint8(1))
}

func TestWrongVersion(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	jcfg := joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder)))
	jcfg.Version = protocol.Version{Major: 4, Minor: 0}

	a := attempt(t, host, jcfg)
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrWrongVersion)
}

func TestModListMismatch(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	cfg.ModList = "ntw"
	host := startHost(t, cfg)

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder))))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrWrongData)
}

func TestDuplicateNamesAreFixed(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	first := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	second := connect(t, host, clientConfig(t, host, "alice", new(recorder)))

	is.Equal(slotOf(host, first.Index()).Name, "Alice")
	is.Equal(slotOf(host, second.Index()).Name, "alice (2)")
}

func TestSwapIsAnnouncedBeforeInfo(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	is.NoErr(host.SetSlotController(1, slots.Closed))
	is.NoErr(host.SetSlotController(2, slots.Closed))

	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	is.Equal(alice.Index(), 3)

	// bob reads the raw stream
	jcfg := joinConfig(t, host, clientConfig(t, host, "Bob", new(recorder)))
	jcfg.Role = protocol.RoleSpectator
	bob := established(t, attempt(t, host, jcfg))
	is.Equal(bob.Index, uint8(4))

	var seen []protocol.Message
	collect := func(time.Time) {
		data, _ := bob.Socket.Recv()
		if len(data) > 0 {
			is.NoErr(bob.Queue.Insert(data))
		}
		for {
			msg, ok := bob.Queue.Pop()
			if !ok {
				return
			}
			seen = append(seen, msg)
		}
	}
	pump(t, func() bool { return slotOf(alice, 4).Allocated }, ticks(host), ticks(alice), collect)
	seen = nil

	before := slotOf(host, 9)
	is.NoErr(host.SwapSlots(3, 9))

	infoAt := func() int {
		for k, msg := range seen {
			if msg.Type != protocol.MsgPlayerInfo {
				continue
			}
			var info protocol.PlayerInfo
			is.NoErr(msg.Decode(&info))
			for _, e := range info.Entries {
				if e.Index == 9 {
					return k
				}
			}
		}
		return -1
	}
	pump(t, func() bool { return alice.Index() == 9 && infoAt() >= 0 }, ticks(host), ticks(alice), collect)

	swapAt := -1
	for k, msg := range seen {
		if msg.Type == protocol.MsgPlayerSwapIndex {
			var sw protocol.SwapIndex
			is.NoErr(msg.Decode(&sw))
			is.Equal(sw, protocol.SwapIndex{A: 3, B: 9})
			swapAt = k
			break
		}
	}
	is.True(swapAt >= 0)
	is.True(swapAt < infoAt())

	moved := slotOf(host, 9)
	is.Equal(moved.Name, "Alice")
	is.True(moved.IsSpectator)
	is.Equal(moved.Team, before.Team)
	is.Equal(moved.Colour, before.Colour)
	vacated := slotOf(host, 3)
	is.True(!vacated.Allocated)
	is.True(!vacated.IsSpectator)
	is.Equal(slotOf(alice, 9).Name, "Alice")

	// alice acknowledged, so her traffic is taken again
	is.NoErr(alice.Send(alice.HostIndex(), protocol.Message{Type: protocol.GameMin, Payload: []byte("hi")}))
	from := -1
	pump(t, func() bool {
		i, _, ok := host.NextGameMessage()
		if ok {
			from = i
		}
		return ok
	}, ticks(host), ticks(alice), collect)
	is.Equal(from, 9)
}

func TestSilentPlayerIsDropped(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	cfg := hostConfig(t, hostRec)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.HeartbeatGrace = 200 * time.Millisecond
	host := startHost(t, cfg)

	bobRec := new(recorder)
	bob := connect(t, host, clientConfig(t, host, "Bob", bobRec))

	// alice never reads nor answers
	alice := established(t, attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder)))))
	idx := int(alice.Index)
	is.True(slotOf(host, idx).Allocated)

	pump(t, func() bool { return !slotOf(host, idx).Allocated }, ticks(host), ticks(bob))
	is.Equal(hostRec.left, []int{idx})
	is.Equal(hostRec.dropped, []bool{true})

	pump(t, func() bool { return len(bobRec.left) > 0 }, ticks(host), ticks(bob))
	is.Equal(bobRec.left, []int{idx})
	is.Equal(bobRec.dropped, []bool{true})
	is.True(!slotOf(bob, idx).Allocated)
	is.NoErr(bob.Err())
}

func TestLeavingResetsReady(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	host := startHost(t, hostConfig(t, hostRec))
	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	bob := connect(t, host, clientConfig(t, host, "Bob", new(recorder)))

	is.NoErr(bob.SetReady(true))
	pump(t, func() bool { return slotOf(bob, bob.Index()).Ready }, ticks(host), ticks(alice), ticks(bob))
	is.True(slotOf(host, bob.Index()).Ready)

	aliceIdx := alice.Index()
	is.NoErr(alice.Close())
	pump(t, func() bool { return !slotOf(bob, bob.Index()).Ready && !slotOf(bob, aliceIdx).Allocated },
		ticks(host), ticks(bob))
	is.Equal(hostRec.left, []int{aliceIdx})
	is.Equal(hostRec.dropped, []bool{false})
}

func TestChangeName(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))

	is.NoErr(alice.ChangeName("Host"))
	pump(t, func() bool { return slotOf(alice, alice.Index()).Name != "Alice" }, ticks(host), ticks(alice))
	is.Equal(slotOf(alice, alice.Index()).Name, "Host (2)")

	is.NoErr(host.ChangeName("Boss"))
	pump(t, func() bool { return slotOf(alice, 0).Name == "Boss" }, ticks(host), ticks(alice))
}

func TestKickKeepsPlayerOut(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	host := startHost(t, hostConfig(t, hostRec))
	aliceRec := new(recorder)
	aliceCfg := clientConfig(t, host, "Alice", aliceRec)
	alice := connect(t, host, aliceCfg)

	is.NoErr(host.KickPlayer(alice.Index(), protocol.ErrKicked, "bye", false))
	pump(t, func() bool { return alice.Err() != nil }, ticks(host), ticks(alice))
	is.True(errors.Is(alice.Err(), session.ErrKicked))
	is.Equal(aliceRec.kicked, []protocol.ErrorCode{protocol.ErrKicked})
	is.Equal(hostRec.dropped, []bool{true})

	a := attempt(t, host, joinConfig(t, host, aliceCfg))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrKicked)
}

func TestKickSelf(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	is.True(errors.Is(host.KickPlayer(host.Index(), protocol.ErrKicked, "", false), session.ErrSelf))
	is.True(errors.Is(host.KickPlayer(3, protocol.ErrKicked, "", false), session.ErrNotPlaying))
}

func TestMovedToSpectatorsStaysSpectator(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	aliceCfg := clientConfig(t, host, "Alice", new(recorder))
	alice := connect(t, host, aliceCfg)

	is.NoErr(host.MoveToSpectators(alice.Index()))
	pump(t, func() bool { return alice.Index() >= 4 }, ticks(host), ticks(alice))
	is.True(slotOf(host, alice.Index()).IsSpectator)
	is.NoErr(alice.Close())
	pump(t, func() bool { return host.Directory().Occupancy() == 1 }, ticks(host))

	a := attempt(t, host, joinConfig(t, host, aliceCfg))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Text, "The host only allows you to join as a spectator.")

	jcfg := joinConfig(t, host, aliceCfg)
	jcfg.Role = protocol.RoleSpectator
	est := established(t, attempt(t, host, jcfg))
	is.True(int(est.Index) >= 4)
}

func TestApproval(t *testing.T) {
	is := is.New(t)

	var requests []session.ApprovalRequest
	hostRec := new(recorder)
	cfg := hostConfig(t, hostRec)
	cfg.Approver = func(r session.ApprovalRequest) { requests = append(requests, r) }
	host := startHost(t, cfg)

	aliceCfg := clientConfig(t, host, "Alice", new(recorder))
	a := joiner.Start(context.Background(), joinConfig(t, host, aliceCfg), nil)
	t.Cleanup(a.Cancel)
	pump(t, func() bool { return len(requests) == 1 }, ticks(host), ticksAttempt(a))
	is.Equal(requests[0].Name, "Alice")
	is.Equal(requests[0].IP, "127.0.0.1")
	is.Equal(requests[0].Role, protocol.RolePlayer)
	is.True(!requests[0].Demoted)

	is.NoErr(host.Decide(requests[0].ID, session.Verdict{Kind: session.ApproveAsSpectator}))
	pump(t, func() bool { return a.State().Done() }, ticks(host), ticksAttempt(a))
	est := established(t, a)
	is.True(slotOf(host, int(est.Index)).IsSpectator)

	// the host remembers sending her to the spectators
	is.NoErr(est.Socket.Close())
	pump(t, func() bool { return host.Directory().Occupancy() == 1 }, ticks(host))
	again := joiner.Start(context.Background(), joinConfig(t, host, aliceCfg), nil)
	t.Cleanup(again.Cancel)
	pump(t, func() bool { return len(requests) == 2 }, ticks(host), ticksAttempt(again))
	is.True(requests[1].Demoted)
	is.NoErr(host.Decide(requests[1].ID, session.Verdict{Kind: session.Approve}))
	pump(t, func() bool { return again.State().Done() }, ticks(host), ticksAttempt(again))
	est = established(t, again)
	is.True(!slotOf(host, int(est.Index)).IsSpectator)

	b := joiner.Start(context.Background(), joinConfig(t, host, clientConfig(t, host, "Bob", new(recorder))), nil)
	t.Cleanup(b.Cancel)
	pump(t, func() bool { return len(requests) == 3 }, ticks(host), ticksAttempt(b))
	is.True(!requests[2].Demoted)
	is.NoErr(host.Decide(requests[2].ID, session.Verdict{Kind: session.Reject, Reason: "not today"}))
	pump(t, func() bool { return b.State().Done() }, ticks(host), ticksAttempt(b))
	is.Equal(b.State(), joiner.Failed)
	is.Equal(b.Failure().Code, protocol.ErrInvalid)
	is.Equal(b.Failure().Text, "not today")
	is.Equal(len(hostRec.joined), 2)
}

func TestApprovalTimeout(t *testing.T) {
	is := is.New(t)

	var requests []session.ApprovalRequest
	hostRec := new(recorder)
	cfg := hostConfig(t, hostRec)
	cfg.ApprovalTimeout = 100 * time.Millisecond
	cfg.Approver = func(r session.ApprovalRequest) { requests = append(requests, r) }
	host := startHost(t, cfg)

	a := attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder))))
	is.Equal(a.State(), joiner.Failed)
	is.Equal(a.Failure().Code, protocol.ErrHostDropped)
	is.Equal(len(requests), 1)

	// too late to matter
	is.NoErr(host.Decide(requests[0].ID, session.Verdict{Kind: session.Approve}))
	is.NoErr(host.Tick(time.Now()))
	is.NoErr(host.Tick(time.Now()))
	is.Equal(host.Directory().Occupancy(), 1)
	is.Equal(len(hostRec.joined), 0)
}

func TestRelay(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	bob := connect(t, host, clientConfig(t, host, "Bob", new(recorder)))
	all := []func(time.Time){ticks(host), ticks(alice), ticks(bob)}

	is.NoErr(alice.Send(bob.Index(), protocol.Message{Type: protocol.GameMin, Payload: []byte("gg")}))
	var (
		from int
		msg  protocol.Message
		ok   bool
	)
	pump(t, func() bool {
		from, msg, ok = bob.NextGameMessage()
		return ok
	}, all...)
	is.Equal(from, alice.Index())
	is.Equal(msg.Payload, []byte("gg"))

	is.NoErr(bob.Broadcast(protocol.Message{Type: protocol.GameMin + 1, Payload: []byte("wp")}))
	var hostFrom, aliceFrom = -1, -1
	pump(t, func() bool {
		if i, _, ok := host.NextGameMessage(); ok {
			hostFrom = i
		}
		if i, _, ok := alice.NextGameMessage(); ok {
			aliceFrom = i
		}
		return hostFrom >= 0 && aliceFrom >= 0
	}, all...)
	is.Equal(hostFrom, bob.Index())
	is.Equal(aliceFrom, bob.Index())

	err := alice.Send(host.Index(), protocol.Message{Type: protocol.MsgKick})
	is.True(errors.Is(err, session.ErrSystemMessage))
}

func TestFileTransfer(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	path := filepath.Join(t.TempDir(), "Rush.wz")
	content := bytes.Repeat([]byte("0123456789"), 1000)
	is.NoErr(os.WriteFile(path, content, 0o644))
	hash, err := host.OfferFile(path)
	is.NoErr(err)

	aliceRec := new(recorder)
	aliceCfg := clientConfig(t, host, "Alice", aliceRec)
	aliceCfg.DownloadDir = t.TempDir()
	alice := connect(t, host, aliceCfg)

	is.NoErr(alice.RequestFile(hash, "Rush.wz"))
	is.True(alice.DownloadProgress() < 100)
	pump(t, func() bool { return aliceRec.files[hash] != "" }, ticks(host), ticks(alice))

	got, err := os.ReadFile(aliceRec.files[hash])
	is.NoErr(err)
	is.True(bytes.Equal(got, content))
	is.Equal(alice.DownloadProgress(), uint8(100))
	is.Equal(slotOf(host, alice.Index()).Download.Active, false)

	var missing protocol.Hash
	missing[0] = 1
	is.NoErr(alice.RequestFile(missing, "missing.wz"))
	is.Equal(alice.DownloadProgress(), uint8(0))
	pump(t, func() bool { return alice.DownloadProgress() == 100 }, ticks(host), ticks(alice))
}

func TestHostLeaving(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	aliceRec := new(recorder)
	alice := connect(t, host, clientConfig(t, host, "Alice", aliceRec))

	is.NoErr(host.Close())
	pump(t, func() bool { return alice.Err() != nil }, ticks(alice))
	is.True(errors.Is(alice.Err(), session.ErrHostLeft))
	is.Equal(aliceRec.hostDropped, 1)
	is.True(errors.Is(host.Tick(time.Now()), session.ErrClosed))
}

func TestNotHost(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	cfg := clientConfig(t, host, "Alice", new(recorder))
	est := established(t, attempt(t, host, joinConfig(t, host, cfg)))

	var diag bytes.Buffer
	logger := &log.Logger{Level: log.InfoLevel, Writer: &log.IOWriter{Writer: &diag}}
	alice, err := session.Join(est, cfg, logger)
	is.NoErr(err)
	defer alice.Close()

	is.True(errors.Is(alice.SwapSlots(0, 1), session.ErrNotHost))
	is.True(errors.Is(alice.Lock(), session.ErrNotHost))
	is.True(bytes.Contains(diag.Bytes(), []byte("SwapSlots called on a joined session")))
	is.True(bytes.Contains(diag.Bytes(), []byte("Lock called on a joined session")))
}

// serve runs s on its own goroutine for tests that talk to it with plain
// sockets.
func serve(t *testing.T, s *session.Session) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, 5*time.Millisecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestAliveCheck(t *testing.T) {
	is := is.New(t)

	host := startHost(t, hostConfig(t, new(recorder)))
	addr, id := host.Addr(), host.SessionID()
	serve(t, host)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	is.NoErr(err)
	defer conn.Close()
	is.NoErr(conn.SetDeadline(time.Now().Add(2 * time.Second)))

	_, err = conn.Write(make([]byte, protocol.VersionSize))
	is.NoErr(err)
	buf := make([]byte, protocol.AliveCheckReplySize)
	_, err = io.ReadFull(conn, buf)
	is.NoErr(err)

	var reply protocol.AliveCheckReply
	is.NoErr(reply.UnmarshalBinary(buf))
	is.Equal(reply.SessionID, id)
}

func TestOldClientIsDropped(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	host := startHost(t, cfg)
	addr := host.Addr()
	serve(t, host)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	is.NoErr(err)
	defer conn.Close()
	// well inside the handshake timeout
	is.NoErr(conn.SetDeadline(time.Now().Add(time.Second)))

	_, err = conn.Write([]byte("list\x00"))
	is.NoErr(err)
	_, err = conn.Read(make([]byte, 1))
	is.Equal(err, io.EOF)
	is.Equal(cfg.Bans.Strikes("127.0.0.1"), 0)
}

func TestUnacknowledgedSwapKicks(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	cfg := hostConfig(t, hostRec)
	cfg.SwapAckTimeout = 100 * time.Millisecond
	host := startHost(t, cfg)

	// alice never reads, so the swap is never acknowledged
	alice := established(t, attempt(t, host, joinConfig(t, host, clientConfig(t, host, "Alice", new(recorder)))))
	is.NoErr(host.SwapSlots(int(alice.Index), 9))
	is.Equal(slotOf(host, 9).Name, "Alice")

	pump(t, func() bool { return !slotOf(host, 9).Allocated }, ticks(host))
	is.Equal(hostRec.left, []int{9})
	is.Equal(hostRec.dropped, []bool{true})
	is.Equal(host.Directory().Occupancy(), 1)
}

func TestBadSignatureIsStruck(t *testing.T) {
	is := is.New(t)

	cfg := hostConfig(t, new(recorder))
	host := startHost(t, cfg)

	conn, err := net.DialTimeout("tcp", host.Addr(), time.Second)
	is.NoErr(err)
	sock := transport.NewSocket(conn, transport.SocketOptions{RawPrefix: protocol.ErrorCodeSize})
	defer sock.Close()

	v, err := version.MarshalBinary()
	is.NoErr(err)
	is.NoErr(sock.Write(v))
	var raw []byte
	pump(t, func() bool {
		data, _ := sock.Recv()
		raw = append(raw, data...)
		return len(raw) >= protocol.ErrorCodeSize
	}, ticks(host))
	code, err := protocol.ParseErrorCode(raw)
	is.NoErr(err)
	is.Equal(code, protocol.NoError)
	sock.BeginCompression()

	queue := netqueue.New()
	next := func(want protocol.MsgType) protocol.Message {
		var msg protocol.Message
		pump(t, func() bool {
			data, _ := sock.Recv()
			if len(data) > 0 {
				is.NoErr(queue.Insert(data))
			}
			var ok bool
			msg, ok = queue.Pop()
			return ok
		}, ticks(host))
		is.Equal(msg.Type, want)
		return msg
	}

	var ping protocol.PingChallenge
	pingMsg := next(protocol.MsgPing)
	is.NoErr(pingMsg.Decode(&ping))

	id := newIdentity(t)
	join, err := protocol.NewMessage(protocol.MsgJoin, &protocol.Join{
		Name:      "Mallory",
		Role:      protocol.RolePlayer,
		Identity:  id.Public(),
		Signature: id.Sign([]byte("something else")),
	})
	is.NoErr(err)
	is.NoErr(sock.Write(protocol.AppendFrame(nil, join)))

	var rej protocol.Rejected
	rejMsg := next(protocol.MsgRejected)
	is.NoErr(rejMsg.Decode(&rej))
	is.Equal(rej.Code, protocol.ErrInvalid)
	is.Equal(rej.Reason, "Identity verification failed.")
	is.Equal(cfg.Bans.Strikes("127.0.0.1"), 1)
	is.Equal(host.Directory().Occupancy(), 1)
}

func TestSpectatorLeavingKeepsReady(t *testing.T) {
	is := is.New(t)

	hostRec := new(recorder)
	host := startHost(t, hostConfig(t, hostRec))
	alice := connect(t, host, clientConfig(t, host, "Alice", new(recorder)))
	bob := connectAs(t, host, clientConfig(t, host, "Bob", new(recorder)), protocol.RoleSpectator)
	is.True(slotOf(host, bob.Index()).IsSpectator)

	is.NoErr(alice.SetReady(true))
	pump(t, func() bool {
		return slotOf(host, alice.Index()).Ready && slotOf(alice, alice.Index()).Ready && slotOf(bob, alice.Index()).Ready
	}, ticks(host), ticks(alice), ticks(bob))

	bobIdx := bob.Index()
	is.NoErr(bob.Close())
	pump(t, func() bool { return !slotOf(alice, bobIdx).Allocated }, ticks(host), ticks(alice))
	is.Equal(hostRec.left, []int{bobIdx})
	is.True(slotOf(host, alice.Index()).Ready)
	is.True(slotOf(alice, alice.Index()).Ready)
}
