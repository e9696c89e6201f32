package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbezuglov/ticksync/internal/game"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	ServerAddr string `envconfig:"TICKSYNC_SERVER_ADDR" default:"127.0.0.1:10000"`
	TickRate   int    `envconfig:"TICKSYNC_TICK_RATE" default:"20"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	if config.TickRate <= 0 {
		return nil, fmt.Errorf("invalid tick rate %d (want > 0)", config.TickRate)
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	g, err := game.NewRemoteClient("tcp4", config.ServerAddr, logger)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", config.ServerAddr, err)
	}
	defer g.Close()
	logger.Info().Msgf("connected to %s", config.ServerAddr)

	g.OnLoadLevel = func(path string) {
		logger.Info().Str("path", path).Msg("server commands level load")
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	ticker := time.NewTicker(time.Second / time.Duration(config.TickRate))
	defer ticker.Stop()

	tick := uint64(0)
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			return nil
		case <-ticker.C:
			tick++

			g.Update()
			if !g.Client().Connected() {
				return fmt.Errorf("server went away")
			}

			// wiggle left and right so the server has inputs to chew on
			left := tick/20%2 == 0
			if err := g.Client().SendPlayerInput(left, !left); err != nil {
				return fmt.Errorf("could not send input: %w", err)
			}

			if tick%uint64(config.TickRate) == 0 {
				logger.Info().
					Int("entities", g.Replica().Len()).
					Msg("replica")
			}
		}
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
