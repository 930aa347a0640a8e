// Command visualizer runs the passive spec.md §6 rendering sink: it
// registers with the bootstrap coordinator, waits for the ring's full
// membership via VisualizerInit, then renders every subsequent state
// change.
//
// Grounded on original_source/src/bin/visualizer.rs's register-then-wait
// shape.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nomnomring/nomnomring/internal/mclock"
	"github.com/nomnomring/nomnomring/internal/netio"
	"github.com/nomnomring/nomnomring/internal/telemetry"
	"github.com/nomnomring/nomnomring/protocol"
	"github.com/nomnomring/nomnomring/visualizer"
)

const TickInterval = 150 * time.Millisecond

// KeepAliveTimeout here is only used to decide when to mark a ring member
// "(dead)" in the rendered output; it must match the value the ring's
// thinkers and forks are actually running with to avoid a misleading
// display.
const KeepAliveTimeout = 2 * time.Second

func main() {
	app := &cli.App{
		Name:  "visualizer",
		Usage: "render the dining ring's live state",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "UDP address to bind", Required: true},
			&cli.StringFlag{Name: "init-server", Usage: "bootstrap coordinator address", Required: true},
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
		return fmt.Errorf("visualizer: resolve address: %w", err)
	}
	initServer, err := net.ResolveUDPAddr("udp", c.String("init-server"))
	if err != nil {
		return fmt.Errorf("visualizer: resolve init-server: %w", err)
	}

	log := telemetry.New("visualizer", addr.String(), nil)
	conn, err := netio.Listen(addr, log)
	if err != nil {
		return fmt.Errorf("visualizer: bind: %w", err)
	}
	defer conn.Close()
	log.Info().Str("address", conn.LocalAddr().String()).Log("started visualizer")

	var init protocol.VisualizerInit
	registered := false
	var pending []struct {
		from *net.UDPAddr
		m    protocol.Message
	}
	for !registered {
		conn.Send(initServer, protocol.VisualizerRequest{})
		deadline := time.Now().Add(TickInterval)
		for time.Now().Before(deadline) {
			conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
				if vi, ok := m.(protocol.VisualizerInit); ok {
					init = vi
					registered = true
					return
				}
				pending = append(pending, struct {
					from *net.UDPAddr
					m    protocol.Message
				}{from, m})
			})
			if registered {
				break
			}
			time.Sleep(TickInterval)
		}
	}

	clock := mclock.System{}
	sink := visualizer.New(clock, log, KeepAliveTimeout, init.Thinkers, init.Forks, os.Stdout)
	defer sink.Close()

	for _, p := range pending {
		sink.HandleMessage(p.from, p.m)
	}

	for {
		conn.Drain(func(from *net.UDPAddr, m protocol.Message) {
			sink.HandleMessage(from, m)
		})
		clock.Sleep(TickInterval)
	}
}
