package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/blukai/netplay/internal/config"
	"github.com/blukai/netplay/internal/joiner"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/transport"
)

// applyCommon lets persistent flags win over the environment.
func applyCommon(cmd *cobra.Command, c *config.Common) {
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		c.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("identity"); v != "" {
		c.IdentityFile = v
	}
}

func stringFlag(cmd *cobra.Command, name string, dst *string) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetString(name)
	}
}

func boolFlag(cmd *cobra.Command, name string, dst *bool) {
	if cmd.Flags().Changed(name) {
		*dst, _ = cmd.Flags().GetBool(name)
	}
}

// splitAddress accepts host or host:port.
func splitAddress(address string) (string, uint16, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address, session.DefaultPort, nil
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("bad port in %q: %w", address, err)
	}
	return host, uint16(p), nil
}

// candidates resolves address into every address it may be reached at.
func candidates(ctx context.Context, address string, preferIPv6 bool) ([]joiner.Candidate, error) {
	host, port, err := splitAddress(address)
	if err != nil {
		return nil, err
	}
	var addrs []string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-transport.ResolveAsync(ctx, host, port):
		if res.Err != nil {
			return nil, res.Err
		}
		addrs = res.Addrs
	}
	list := make([]joiner.Candidate, 0, len(addrs))
	for _, addr := range addrs {
		ip, _, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		list = append(list, joiner.Candidate{Host: ip, Port: port})
	}
	return joiner.SortCandidates(list, preferIPv6), nil
}

// parseFetch reads a hash=name pair.
func parseFetch(s string) (protocol.Hash, string, error) {
	var hash protocol.Hash
	hexHash, name, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return hash, "", fmt.Errorf("%q is not hash=name", s)
	}
	raw, err := hex.DecodeString(hexHash)
	if err != nil || len(raw) != protocol.HashSize {
		return hash, "", fmt.Errorf("%q is not a %d byte hex hash", hexHash, protocol.HashSize)
	}
	copy(hash[:], raw)
	return hash, name, nil
}

// logObserver reports session events through the logger.
type logObserver struct {
	logger *log.Logger
}

func (o logObserver) PlayerJoined(i int) {
	o.logger.Info().Int("index", i).Msg("player joined")
}

func (o logObserver) PlayerLeft(i int, dropped bool) {
	o.logger.Info().Int("index", i).Bool("dropped", dropped).Msg("player left")
}

func (o logObserver) SlotsChanged() {}

func (o logObserver) Kicked(code protocol.ErrorCode, reason string) {
	if reason == "" {
		reason = code.Message()
	}
	o.logger.Warn().Str("reason", reason).Msg("kicked")
}

func (o logObserver) HostDropped() {
	o.logger.Warn().Msg("host dropped")
}

func (o logObserver) FileReceived(hash protocol.Hash, path string) {
	o.logger.Info().Str("hash", hex.EncodeToString(hash[:])).Str("path", path).Msg("file received")
}
