// Package nodeconfig implements spec.md §6's optional persistent per-node
// checkpoint: written once on successful bootstrap, so a crashed node can
// restart with the same identity, rejoin the ring, and (per spec.md §6)
// always come back in Thinking with no live token — any token it had held
// is assumed regenerated by its peers.
//
// Grounded on original_source/src/lib/config.rs's generic Config trait
// (write/read a single archived value to/from a file); reimplemented here
// over encoding/gob rather than rkyv, for the same reason wire.go chose
// gob over a codegen-based format (see wire.go's package doc).
package nodeconfig

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/nomnomring/nomnomring/ids"
	"github.com/nomnomring/nomnomring/protocol"
)

// ThinkerCheckpoint is the persisted identity and ring position of one
// thinker, per spec.md §6's "Persistent state" record.
type ThinkerCheckpoint struct {
	ID              ids.ID[ids.Thinker]
	LocalAddress    *net.UDPAddr
	Forks           [2]ids.Ref[ids.Fork]
	NextThinkers    []ids.Ref[ids.Thinker]
	AvailableTokens []protocol.Token
	Visualizer      *protocol.VisualizerRef
}

// ForkCheckpoint is the persisted identity of one fork.
type ForkCheckpoint struct {
	ID           ids.ID[ids.Fork]
	LocalAddress *net.UDPAddr
	Visualizer   *protocol.VisualizerRef
}

func thinkerPath(dir string) string { return filepath.Join(dir, "thinker.checkpoint") }
func forkPath(dir string) string    { return filepath.Join(dir, "fork.checkpoint") }

// SaveThinker writes a checkpoint that, on restart, lets LoadThinker
// reconstruct the same identity and ring position without re-running
// bootstrap. Note that the held token is never part of the checkpoint
// (AvailableTokens only lists the known token slots): spec.md §6 requires
// a restarted node to always rejoin as Thinking, never holding a token it
// merely remembers having held.
func SaveThinker(dir string, c ThinkerCheckpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("nodeconfig: encode thinker checkpoint: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("nodeconfig: create config dir: %w", err)
	}
	if err := os.WriteFile(thinkerPath(dir), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("nodeconfig: write thinker checkpoint: %w", err)
	}
	return nil
}

// LoadThinker reads a checkpoint previously written by SaveThinker. The
// second return value is false if no checkpoint exists at dir.
func LoadThinker(dir string) (ThinkerCheckpoint, bool, error) {
	b, err := os.ReadFile(thinkerPath(dir))
	if os.IsNotExist(err) {
		return ThinkerCheckpoint{}, false, nil
	}
	if err != nil {
		return ThinkerCheckpoint{}, false, fmt.Errorf("nodeconfig: read thinker checkpoint: %w", err)
	}
	var c ThinkerCheckpoint
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return ThinkerCheckpoint{}, false, fmt.Errorf("nodeconfig: decode thinker checkpoint: %w", err)
	}
	return c, true, nil
}

// SaveFork writes a fork's checkpoint.
func SaveFork(dir string, c ForkCheckpoint) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("nodeconfig: encode fork checkpoint: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("nodeconfig: create config dir: %w", err)
	}
	if err := os.WriteFile(forkPath(dir), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("nodeconfig: write fork checkpoint: %w", err)
	}
	return nil
}

// LoadFork reads a checkpoint previously written by SaveFork.
func LoadFork(dir string) (ForkCheckpoint, bool, error) {
	b, err := os.ReadFile(forkPath(dir))
	if os.IsNotExist(err) {
		return ForkCheckpoint{}, false, nil
	}
	if err != nil {
		return ForkCheckpoint{}, false, fmt.Errorf("nodeconfig: read fork checkpoint: %w", err)
	}
	var c ForkCheckpoint
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&c); err != nil {
		return ForkCheckpoint{}, false, fmt.Errorf("nodeconfig: decode fork checkpoint: %w", err)
	}
	return c, true, nil
}
