package session

import "github.com/blukai/netplay/internal/protocol"

// Observer lets the game react to session events. Callbacks run on the
// session loop and must not call back into the session.
type Observer interface {
	PlayerJoined(index int)
	PlayerLeft(index int, dropped bool)
	// SlotsChanged follows any replicated change of the slot table.
	SlotsChanged()
	// Kicked is reported to a joined participant that the host removed.
	Kicked(code protocol.ErrorCode, reason string)
	HostDropped()
	FileReceived(hash protocol.Hash, path string)
}

type NopObserver struct{}

func (NopObserver) PlayerJoined(int) {}
func (NopObserver) PlayerLeft(int, bool) {}
func (NopObserver) SlotsChanged() {}
func (NopObserver) Kicked(protocol.ErrorCode, string) {}
func (NopObserver) HostDropped() {}
func (NopObserver) FileReceived(protocol.Hash, string) {}
