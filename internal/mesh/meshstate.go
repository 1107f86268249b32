package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
)

// meshStateFile and pendingJoinFile are the two pieces of mutable
// bootstrap state that live alongside reputation.json/revoked.json in a
// node's data directory: which mesh this node belongs to, and (if it was
// told to join one but hasn't dialed in yet) the token it should present
// once it starts listening.

const (
	meshStateFile   = "mesh.json"
	pendingJoinFile = "pending_join.token"
)

// SaveMesh persists a mesh record to dataDir/mesh.json.
func SaveMesh(dataDir string, m meshmodel.Mesh) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("mesh: marshal mesh record: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, meshStateFile), data, 0600)
}

// LoadMesh reads the mesh record a prior `atmosphere mesh create|join`
// wrote to dataDir.
func LoadMesh(dataDir string) (meshmodel.Mesh, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, meshStateFile))
	if err != nil {
		return meshmodel.Mesh{}, fmt.Errorf("mesh: read mesh record: %w", err)
	}
	var m meshmodel.Mesh
	if err := json.Unmarshal(data, &m); err != nil {
		return meshmodel.Mesh{}, fmt.Errorf("mesh: parse mesh record: %w", err)
	}
	return m, nil
}

// HasMesh reports whether dataDir already has a mesh record, the signal
// `atmosphere serve` uses to decide whether it's starting a known node or
// needs `atmosphere mesh create`/`join` run first.
func HasMesh(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, meshStateFile))
	return err == nil
}

// SavePendingJoin records a just-received join token that hasn't been
// presented yet: `atmosphere mesh join` writes it, and `atmosphere serve`
// consumes it once the local listener is up and dialing out is possible.
func SavePendingJoin(dataDir string, tok *token.Token) error {
	data, err := tok.Encode()
	if err != nil {
		return fmt.Errorf("mesh: encode pending join token: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, pendingJoinFile), data, 0600)
}

// LoadPendingJoin reads back a pending join token, or (nil, nil) if there
// isn't one.
func LoadPendingJoin(dataDir string) (*token.Token, error) {
	data, err := os.ReadFile(filepath.Join(dataDir, pendingJoinFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("mesh: read pending join token: %w", err)
	}
	return token.Decode(data)
}

// ClearPendingJoin removes the pending join token once it has been
// presented, successfully or not — a stale token is useless either way,
// since the issuer's endpoints and grant are fixed at mint time.
func ClearPendingJoin(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, pendingJoinFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// AdoptMeshName records the mesh's human name once it becomes known —
// either at creation time or, for a joining node, from the first
// successful handshake's transport.JoinResult.MeshName (a join token
// itself carries no mesh_name, only mesh_id).
func (n *Node) AdoptMeshName(name string) {
	n.mesh.Name = name
}
