// Command bootstrap runs the spec.md §6 coordinator: it waits for the
// configured number of forks and thinkers (and, if requested, a
// visualizer) to register, then assigns ring positions and exits once
// every Init message has been dispatched.
//
// Grounded on original_source/src/bin/init.rs's collect-until-full
// shape.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nomnomring/nomnomring/bootstrap"
	"github.com/nomnomring/nomnomring/internal/netio"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
)

const TickInterval = 150 * time.Millisecond

func main() {
	app := &cli.App{
		Name:  "bootstrap",
		Usage: "assign ring positions to a fixed-size dining ring",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "UDP address to bind", Required: true},
			&cli.IntFlag{Name: "thinker", Usage: "number of thinkers (and forks) in the ring", Required: true},
			&cli.IntFlag{Name: "tokens", Usage: "number of tokens to seed", Value: 1},
			&cli.IntFlag{Name: "next-thinkers-amount", Usage: "ring successors each thinker tracks", Value: 2},
			&cli.BoolFlag{Name: "visualizer", Usage: "wait for a visualizer registration before dispatching"},
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
		return fmt.Errorf("bootstrap: resolve address: %w", err)
	}

	log := telemetry.New("bootstrap", addr.String(), nil)
	conn, err := netio.Listen(addr, log)
	if err != nil {
		return fmt.Errorf("bootstrap: bind: %w", err)
	}
	defer conn.Close()
	log.Info().Str("address", conn.LocalAddr().String()).Log("started bootstrap coordinator")

	coord := bootstrap.New(bootstrap.Config{
		Thinkers:           c.Int("thinker"),
		Tokens:             c.Int("tokens"),
		NextThinkersAmount: c.Int("next-thinkers-amount"),
		RequireVisualizer:  c.Bool("visualizer"),
	}, conn, log)

	for !coord.Done() {
		conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
			coord.HandleMessage(from, m)
		})
		time.Sleep(TickInterval)
	}

	log.Info().Log("bootstrap coordinator exiting after dispatch")
	return nil
}
