// Command thinker runs one spec.md §4.2 Thinker node. On first start it
// registers with the bootstrap coordinator and waits for a ThinkerInit; on
// a restart from a saved checkpoint (spec.md §6, scenario S6) it skips
// registration entirely and rejoins the ring directly, always as
// Thinking with no token.
//
// Grounded on original_source/src/bin/thinker.rs's bind-register-tick
// shape, extended with the checkpoint-restart path original_source's
// simpler single-token model never needed.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/netio"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/nodeconfig"
	"github.com/nomnomring/nomnomring/protocol"
)

const TickInterval = 150 * time.Millisecond

func thinkerConfig() protocol.ThinkerConfig {
	return protocol.ThinkerConfig{
		MinThinking:      1 * time.Second,
		MaxThinking:      5 * time.Second,
		MinEating:        1 * time.Second,
		MaxEating:        3 * time.Second,
		KeepAliveTimeout: 2 * time.Second,
		TokenTimeout:     3 * time.Second,
	}
}

func main() {
	app := &cli.App{
		Name:  "thinker",
		Usage: "run one dining-ring thinker node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "UDP address to bind", Required: true},
			&cli.StringFlag{Name: "init-server", Usage: "bootstrap coordinator address", Required: true},
			&cli.StringFlag{Name: "save-config-dir", Usage: "directory to persist/restore this node's checkpoint"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.String("address"))
	if err != nil {
		return fmt.Errorf("thinker: resolve address: %w", err)
	}
	initServer, err := net.ResolveUDPAddr("udp", c.String("init-server"))
	if err != nil {
		return fmt.Errorf("thinker: resolve init-server: %w", err)
	}
	saveDir := c.String("save-config-dir")

	var (
		id              ids.ID[ids.Thinker]
		forks           [2]ids.Ref[ids.Fork]
		successors      []ids.Ref[ids.Thinker]
		availableTokens []protocol.Token
		visualizer      *protocol.VisualizerRef
		restored        bool
	)

	if saveDir != "" {
		if cp, ok, err := nodeconfig.LoadThinker(saveDir); err != nil {
			return fmt.Errorf("thinker: load checkpoint: %w", err)
		} else if ok {
			id = cp.ID
			forks = cp.Forks
			successors = cp.NextThinkers
			availableTokens = cp.AvailableTokens
			visualizer = cp.Visualizer
			restored = true
		}
	}

	log := telemetry.New("thinker", labelOrNew(&id).String(), nil)
	conn, err := netio.Listen(addr, log)
	if err != nil {
		return fmt.Errorf("thinker: bind: %w", err)
	}
	defer conn.Close()
	log.Info().Str("address", conn.LocalAddr().String()).Bool("restored", restored).Log("started thinker")

	if !restored {
		var init protocol.ThinkerInit
		registered := false
		for !registered {
			conn.Send(initServer, protocol.ThinkerRequest{Thinker: id})
			deadline := time.Now().Add(TickInterval)
			for time.Now().Before(deadline) {
				conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
					if ti, ok := m.(protocol.ThinkerInit); ok {
						init = ti
						registered = true
					}
				})
				if registered {
					break
				}
				time.Sleep(TickInterval)
			}
		}
		forks = init.Forks
		successors = init.NextThinkers
		availableTokens = init.AvailableTokens
		visualizer = init.Visualizer

		if saveDir != "" {
			if err := nodeconfig.SaveThinker(saveDir, nodeconfig.ThinkerCheckpoint{
				ID:              id,
				LocalAddress:    conn.LocalAddr(),
				Forks:           forks,
				NextThinkers:    successors,
				AvailableTokens: availableTokens,
				Visualizer:      visualizer,
			}); err != nil {
				log.Err().Err(err).Log("failed to save checkpoint")
			}
		}

		clock := mclock.System{}
		th := protocol.NewThinker(id, clock, conn, log, thinkerConfig(), forks, successors, init.Token, availableTokens, visualizer)
		runLoop(conn, clock, log, th, visualizer)
		return nil
	}

	// Restart path: spec.md §6 requires rejoining as Thinking with no
	// live token, regardless of what this thinker held before it crashed.
	clock := mclock.System{}
	th := protocol.NewThinker(id, clock, conn, log, thinkerConfig(), forks, successors, nil, availableTokens, visualizer)
	runLoop(conn, clock, log, th, visualizer)
	return nil
}

// labelOrNew assigns a fresh id in place if none was restored from a
// checkpoint, so the logger can be constructed before the registration
// handshake picks the forks/successors that depend on having an id.
func labelOrNew(id *ids.ID[ids.Thinker]) ids.ID[ids.Thinker] {
	if id.IsZero() {
		*id = ids.New[ids.Thinker]()
	}
	return *id
}

func runLoop(conn *netio.Conn, clock mclock.Clock, log *telemetry.Logger, th *protocol.Thinker, visualizer *protocol.VisualizerRef) {
	if visualizer != nil {
		th.SetVisualizerNotifier(func(ev protocol.ThinkerStateChanged) {
			conn.Send(visualizer.Address, ev)
		})
	}
	for {
		conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
			th.HandleMessage(from, m)
		})
		th.Tick()
		clock.Sleep(TickInterval)
	}
}
