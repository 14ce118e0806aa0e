// Package spawn invokes the provisioning collaborator that builds new
// agent containers. GUPPI only hands over the child's identity contract;
// container creation, network wiring and first boot belong to the
// provisioning script.
package spawn

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"

	"guppi/internal/types"
)

// Script launches the provisioning script fire-and-forget: the spawn
// capability returns as soon as the request is handed off, and the child
// announces itself on chat when it boots.
type Script struct {
	path string
	dir  string
	log  *zap.Logger
}

// NewScript builds a spawner around the provisioning script. dir is
// where identity contracts are staged for pickup.
func NewScript(path, dir string, logger *zap.Logger) *Script {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Script{path: path, dir: dir, log: logger}
}

// Spawn stages the child's identity contract and starts the script
// detached. The note becomes the child's genesis message, its first
// orientation before any inbox traffic arrives.
func (s *Script) Spawn(ctx context.Context, child types.Identity, note string) error {
	if child.Name == "" {
		return fmt.Errorf("spawn: child needs a name")
	}

	contract := struct {
		types.Identity
		GenesisNote string `json:"genesis_note,omitempty"`
	}{Identity: child, GenesisNote: note}

	data, err := json.MarshalIndent(contract, "", "  ")
	if err != nil {
		return fmt.Errorf("spawn: encode contract: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("spawn: stage dir: %w", err)
	}
	contractPath := filepath.Join(s.dir, child.Name+".json")
	if err := os.WriteFile(contractPath, data, 0o644); err != nil {
		return fmt.Errorf("spawn: stage contract: %w", err)
	}

	// Detached on purpose: provisioning takes minutes and must survive
	// this process hibernating.
	cmd := exec.Command(s.path, child.Name, contractPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn: start provisioner: %w", err)
	}
	go cmd.Wait()

	s.log.Info("provisioning started",
		zap.String("child", child.Name),
		zap.String("contract", contractPath),
		zap.Int("pid", cmd.Process.Pid))
	return nil
}
