package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/blukai/netplay/internal/config"
	"github.com/blukai/netplay/internal/lobbyserver"
	"github.com/blukai/netplay/internal/logging"
)

func erringMain() error {
	cfg, err := config.Load[config.Lobby]()
	if err != nil {
		return err
	}

	logger := logging.Console(cfg.Level())

	lobbyServer, err := lobbyserver.NewLobbyServer("tcp", cfg.Address, lobbyserver.Config{
		MOTD:          cfg.MOTD,
		EvictAfter:    cfg.EvictAfter,
		MaxConnsPerIP: cfg.MaxConnsPerIP,
		ProbeHosts:    cfg.ProbeHosts,
		ProbeTimeout:  cfg.ProbeTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("could not construct lobby server: %w", err)
	}
	logger.Info().Msgf("started lobby server on %s", lobbyServer.Addr())

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var lobbyServerRunErr error
	go func() {
		defer wg.Done()
		lobbyServerRunErr = lobbyServer.Run(ctx)
		cancel()
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-signalChan:
		logger.Info().Msgf("received %+v signal", sig)
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	if lobbyServerRunErr != nil {
		return fmt.Errorf("lobby server run failed: %w", lobbyServerRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fucky wucky! %v\n", err)
		os.Exit(42)
	}
}
