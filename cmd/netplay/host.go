package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blukai/netplay/internal/banlist"
	"github.com/blukai/netplay/internal/config"
	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/lobbyclient"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/slots"
)

const tickInterval = 50 * time.Millisecond

func newHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host [file...]",
		Short: "Host a session, offering the given files to joiners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Host]()
			if err != nil {
				return err
			}
			applyCommon(cmd, &cfg.Common)
			stringFlag(cmd, "name", &cfg.Name)
			stringFlag(cmd, "address", &cfg.Address)
			stringFlag(cmd, "password", &cfg.Password)
			stringFlag(cmd, "lobby", &cfg.Lobby)
			stringFlag(cmd, "map", &cfg.MapName)
			boolFlag(cmd, "spectate", &cfg.Spectator)
			return runHost(cmd, cfg, args)
		},
	}
	cmd.Flags().String("name", "", "Your player name")
	cmd.Flags().String("address", "", "Address to accept joiners on")
	cmd.Flags().String("password", "", "Password joiners must present")
	cmd.Flags().String("lobby", "", "Lobby server to list the session on")
	cmd.Flags().String("map", "", "Map name to advertise")
	cmd.Flags().Bool("spectate", false, "Take a spectator seat yourself")
	return cmd
}

func runHost(cmd *cobra.Command, cfg *config.Host, files []string) error {
	logger := logging.Console(cfg.Level())

	id, err := identity.LoadOrCreate(cfg.IdentityFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store banlist.Store
	if cfg.BanDB != "" {
		sq, err := banlist.OpenSQLite(ctx, cfg.BanDB)
		if err != nil {
			return err
		}
		store = sq
	}
	bans, err := banlist.New(ctx, banlist.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	defer bans.Close()

	scfg := session.Config{
		Name:     cfg.Name,
		Identity: id,
		Version:  protocol.Version{Major: cfg.VersionMajor, Minor: cfg.VersionMinor},
		ModList:  cfg.ModList,
		Layout: slots.Layout{
			PlayerSlots:    cfg.PlayerSlots,
			SpectatorSlots: cfg.SpectatorSlots,
		},
		Observer:         logObserver{logger: logger},
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		HeartbeatGrace:   cfg.HeartbeatGrace,
		Address:          cfg.Address,
		SessionName:      cfg.SessionName,
		MapName:          cfg.MapName,
		VersionString:    cfg.VersionString,
		Password:         cfg.Password,
		Spectator:        cfg.Spectator,
		Bans:             bans,
	}
	if cfg.Lobby != "" {
		scfg.Lobby = &lobbyclient.Config{Address: cfg.Lobby}
	}

	s, err := session.Host(ctx, scfg, logger)
	if err != nil {
		return err
	}
	for _, path := range files {
		hash, err := s.OfferFile(path)
		if err != nil {
			s.Close()
			return err
		}
		logger.Info().Str("path", path).Str("hash", hex.EncodeToString(hash[:])).Msg("offering")
	}

	runErr := s.Run(ctx, tickInterval)
	printSummary(cmd, s)
	if err := s.Close(); err != nil {
		logger.Warn().Err(err).Msg("could not close cleanly")
	}
	if runErr != nil && !errors.Is(runErr, session.ErrClosed) && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func printSummary(cmd *cobra.Command, s *session.Session) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w)
	printSlots(w, s.Directory(), s.Ping)

	total, _ := s.Stats()
	fmt.Fprintf(w, "\nsent %d bytes, received %d bytes\n\n", total.BytesSent, total.BytesRecv)
	fmt.Fprint(w, s.NetLog().String())
}
