package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phuslu/log"
	"github.com/spf13/cobra"

	"github.com/blukai/netplay/internal/config"
	"github.com/blukai/netplay/internal/identity"
	"github.com/blukai/netplay/internal/joiner"
	"github.com/blukai/netplay/internal/logging"
	"github.com/blukai/netplay/internal/protocol"
	"github.com/blukai/netplay/internal/session"
	"github.com/blukai/netplay/internal/slots"
)

func newJoinCmd() *cobra.Command {
	var fetch []string
	cmd := &cobra.Command{
		Use:   "join <host[:port]>",
		Short: "Join a hosted session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load[config.Join]()
			if err != nil {
				return err
			}
			applyCommon(cmd, &cfg.Common)
			stringFlag(cmd, "name", &cfg.Name)
			stringFlag(cmd, "password", &cfg.Password)
			stringFlag(cmd, "download-dir", &cfg.DownloadDir)
			boolFlag(cmd, "spectate", &cfg.Spectator)
			boolFlag(cmd, "prefer-ipv6", &cfg.PreferIPv6)
			return runJoin(cmd, cfg, args[0], fetch)
		},
	}
	cmd.Flags().String("name", "", "Your player name")
	cmd.Flags().String("password", "", "Session password")
	cmd.Flags().String("download-dir", "", "Where requested files are stored")
	cmd.Flags().Bool("spectate", false, "Join as a spectator")
	cmd.Flags().Bool("prefer-ipv6", false, "Try IPv6 addresses first")
	cmd.Flags().StringArrayVar(&fetch, "fetch", nil, "hash=name of a file to download from the host")
	return cmd
}

func runJoin(cmd *cobra.Command, cfg *config.Join, address string, fetch []string) error {
	logger := logging.Console(cfg.Level())

	id, err := identity.LoadOrCreate(cfg.IdentityFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	list, err := candidates(ctx, address, cfg.PreferIPv6)
	if err != nil {
		return err
	}

	role := protocol.RolePlayer
	if cfg.Spectator {
		role = protocol.RoleSpectator
	}
	version := protocol.Version{Major: cfg.VersionMajor, Minor: cfg.VersionMinor}

	attempt := joiner.Start(ctx, joiner.Config{
		Candidates: list,
		Version:    version,
		Name:       cfg.Name,
		ModList:    cfg.ModList,
		Password:   cfg.Password,
		Role:       role,
		Identity:   id,
		Timeout:    cfg.Timeout,
	}, logger)
	defer attempt.Cancel()

	est, err := await(ctx, cmd, attempt, logger)
	if err != nil {
		return err
	}

	s, err := session.Join(est, session.Config{
		Name:     cfg.Name,
		Identity: id,
		Version:  version,
		ModList:  cfg.ModList,
		Layout: slots.Layout{
			PlayerSlots:    cfg.PlayerSlots,
			SpectatorSlots: cfg.SpectatorSlots,
		},
		Observer:    logObserver{logger: logger},
		DownloadDir: cfg.DownloadDir,
	}, logger)
	if err != nil {
		return err
	}

	for _, f := range fetch {
		hash, name, err := parseFetch(f)
		if err == nil {
			err = s.RequestFile(hash, name)
		}
		if err != nil {
			s.Close()
			return err
		}
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

// await drives the join attempt, asking for a password when the host wants
// one.
func await(ctx context.Context, cmd *cobra.Command, a *joiner.Attempt, logger *log.Logger) (*joiner.Established, error) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	input := bufio.NewScanner(cmd.InOrStdin())

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			switch a.Tick(now) {
			case joiner.Succeeded:
				est, _ := a.Established()
				logger.Info().Str("host", est.Candidate.String()).Uint8("index", est.Index).Msg("joined")
				return est, nil
			case joiner.Failed:
				return nil, a.Failure()
			case joiner.NeedsPassword:
				fmt.Fprint(cmd.OutOrStdout(), "password: ")
				if !input.Scan() {
					a.Cancel()
					return nil, joiner.ErrCancelled
				}
				a.SubmitPassword(strings.TrimSpace(input.Text()))
			}
		}
	}
}
