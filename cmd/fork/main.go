// Command fork runs one spec.md §4.1 Fork node: it registers with the
// bootstrap coordinator, then loops forever serving KeepAlive/Release
// requests from thinkers.
//
// Grounded on original_source/src/bin/fork.rs's bind-register-tick-forever
// shape, adapted to this repository's netio.Conn transport and urfave/cli
// flag parsing (rgeraldes24-go-zond/cmd/gzond/chaincmd.go).
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

// TickInterval is the per-node cooperative tick cadence, within spec.md
// §5's "TICK_INTERVAL ≈ 100-250 ms" range.
const TickInterval = 150 * time.Millisecond

// KeepAliveTimeout is how long a fork waits without hearing from its
// owner or a queued thinker before declaring them gone (spec.md §5:
// "KEEP_ALIVE_TIMEOUT (~2s)").
const KeepAliveTimeout = 2 * time.Second

func main() {
	app := &cli.App{
		Name:  "fork",
		Usage: "run one dining-ring fork node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "UDP address to bind", Required: true},
			&cli.StringFlag{Name: "init-server", Usage: "bootstrap coordinator address", Required: true},
			&cli.StringFlag{Name: "save-config-dir", Usage: "directory to persist this node's checkpoint"},
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
		return fmt.Errorf("fork: resolve address: %w", err)
	}
	initServer, err := net.ResolveUDPAddr("udp", c.String("init-server"))
	if err != nil {
		return fmt.Errorf("fork: resolve init-server: %w", err)
	}
	saveDir := c.String("save-config-dir")

	var (
		id         ids.ID[ids.Fork]
		visualizer *protocol.VisualizerRef
		restored   bool
	)

	if saveDir != "" {
		if cp, ok, err := nodeconfig.LoadFork(saveDir); err != nil {
			return fmt.Errorf("fork: load checkpoint: %w", err)
		} else if ok {
			id = cp.ID
			visualizer = cp.Visualizer
			restored = true
		}
	}
	if id.IsZero() {
		id = ids.New[ids.Fork]()
	}

	log := telemetry.New("fork", id.String(), nil)

	conn, err := netio.Listen(addr, log)
	if err != nil {
		return fmt.Errorf("fork: bind: %w", err)
	}
	defer conn.Close()
	log.Info().Str("address", conn.LocalAddr().String()).Bool("restored", restored).Log("started fork")

	if !restored {
		var init protocol.ForkInit
		registered := false
		for !registered {
			conn.Send(initServer, protocol.ForkRequest{Fork: id})
			deadline := time.Now().Add(TickInterval)
			for time.Now().Before(deadline) {
				conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
					if fi, ok := m.(protocol.ForkInit); ok {
						init = fi
						registered = true
					}
				})
				if registered {
					break
				}
				time.Sleep(TickInterval)
			}
		}
		visualizer = init.Visualizer

		if saveDir != "" {
			if err := nodeconfig.SaveFork(saveDir, nodeconfig.ForkCheckpoint{
				ID:           id,
				LocalAddress: conn.LocalAddr(),
				Visualizer:   visualizer,
			}); err != nil {
				log.Err().Err(err).Log("failed to save checkpoint")
			}
		}
	}

	clock := mclock.System{}
	fork := protocol.NewFork(id, clock, conn, log, KeepAliveTimeout)
	if visualizer != nil {
		fork.SetVisualizerNotifier(func(ev protocol.ForkStateChanged) {
			conn.Send(visualizer.Address, ev)
		})
	}

	for {
		conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
			switch v := m.(type) {
			case protocol.KeepAlive:
				fork.HandleKeepAlive(from, v)
			case protocol.Release:
				fork.HandleRelease(from, v)
			default:
				log.Warning().Str("from", from.String()).Log(fmt.Sprintf("unexpected message %T", m))
			}
		})
		fork.Tick()
		clock.Sleep(TickInterval)
	}
}
