package main

import (
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbezuglov/ticksync/internal/game"
	"github.com/dbezuglov/ticksync/internal/gameserver"
	"github.com/dbezuglov/ticksync/internal/protocol"
	"github.com/dbezuglov/ticksync/internal/scene"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	Addr     string `envconfig:"TICKSYNC_ADDR" default:"127.0.0.1:10000"`
	TickRate int    `envconfig:"TICKSYNC_TICK_RATE" default:"20"`
	Level    string `envconfig:"TICKSYNC_LEVEL" default:"data/levels/arena.lvl"`
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

// spawnDemoEntities fills the authoritative graph with a few orbiting nodes
// so there is something to replicate.
func spawnDemoEntities(graph *scene.Graph, n int) []scene.Handle {
	handles := make([]scene.Handle, 0, n)
	for i := 0; i < n; i++ {
		handles = append(handles, graph.Spawn(
			fmt.Sprintf("orbiter-%d", i),
			protocol.Vector3{X: float32(i)},
			protocol.Quaternion{W: 1},
		))
	}
	return handles
}

func orbit(graph *scene.Graph, handles []scene.Handle, tick uint64) {
	for i, handle := range handles {
		angle := float64(tick)/20 + float64(i)
		graph.SetTransform(handle,
			protocol.Vector3{
				X: float32(math.Cos(angle)) * float32(i+1),
				Z: float32(math.Sin(angle)) * float32(i+1),
			},
			protocol.Quaternion{
				Y: float32(math.Sin(angle / 2)),
				W: float32(math.Cos(angle / 2)),
			},
		)
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	g, err := game.NewListenServer("tcp4", config.Addr, logger)
	if err != nil {
		return fmt.Errorf("could not construct listen server: %w", err)
	}
	defer g.Close()
	logger.Info().Msgf("started listen server on %s", g.Server().Addr())

	g.OnPlayerInput = func(from gameserver.ConnKey, input protocol.PlayerInput) {
		logger.Info().
			Uint64("conn", uint64(from)).
			Bool("left", input.Left).
			Bool("right", input.Right).
			Msg("player input")
	}

	graph := scene.NewGraph()
	handles := spawnDemoEntities(graph, 4)

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

			before := g.Server().NumConns()
			g.Update()
			if g.Server().NumConns() > before {
				// newcomers need the level before any state makes
				// sense to them
				if err := g.LoadLevel(config.Level); err != nil {
					logger.Error().Msgf("could not broadcast level: %v", err)
				}
			}

			orbit(graph, handles, tick)
			if err := g.SyncDelta(graph); err != nil {
				logger.Error().Msgf("could not sync: %v", err)
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
