package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/termcolor"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/validate"
)

func runMesh(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere mesh <create|join|invite|peers|status|topology|revoke> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		runMeshCreate(rest)
	case "join":
		runMeshJoin(rest)
	case "invite":
		runMeshInvite(rest)
	case "peers":
		runMeshPeers(rest)
	case "status":
		runMeshStatus(rest)
	case "topology":
		runMeshTopology(rest)
	case "revoke":
		runMeshRevoke(rest)
	default:
		fatal("unknown mesh subcommand: %s", sub)
	}
}

func runMeshCreate(args []string) {
	fs := flag.NewFlagSet("mesh create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	nameFlag := fs.String("name", "", "mesh name")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh create: %v", err)
	}
	if *nameFlag == "" {
		fatal("mesh create: --name is required")
	}
	if err := validate.NetworkName(*nameFlag); err != nil {
		fatal("mesh create: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh create: %v", err)
	}
	dd := dataDir(configDir)
	if mesh.HasMesh(dd) {
		fatal("mesh create: %s already has a mesh record; this node already belongs to one", dd)
	}

	id, err := identity.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		fatal("mesh create: %v", err)
	}

	rec := meshmodel.Mesh{
		MeshID:        uuid.NewString(),
		Name:          *nameFlag,
		FounderPubKey: []byte(id.PublicKey),
		CreatedAt:     time.Now(),
	}
	if err := mesh.SaveMesh(dd, rec); err != nil {
		fatal("mesh create: %v", err)
	}

	termcolor.Green("Created mesh %q (%s), founded by node %s", rec.Name, rec.MeshID, id.NodeID)
	fmt.Println("Run 'atmosphere serve' to start this node.")
}

func runMeshJoin(args []string) {
	fs := flag.NewFlagSet("mesh join", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh join: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere mesh join <token>")
	}

	tok, err := token.DecodeBase64(positional[0])
	if err != nil {
		fatal("mesh join: invalid token: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh join: %v", err)
	}
	dd := dataDir(configDir)
	if mesh.HasMesh(dd) {
		fatal("mesh join: %s already has a mesh record; this node already belongs to one", dd)
	}

	if _, err := identity.LoadOrCreateIdentity(cfg.Identity.KeyFile); err != nil {
		fatal("mesh join: %v", err)
	}

	rec := meshmodel.Mesh{
		MeshID:    tok.MeshID(),
		Name:      tok.MeshID(),
		CreatedAt: time.Now(),
	}
	if err := mesh.SaveMesh(dd, rec); err != nil {
		fatal("mesh join: %v", err)
	}
	if err := mesh.SavePendingJoin(dd, tok); err != nil {
		fatal("mesh join: %v", err)
	}

	fmt.Printf("Recorded mesh %s; will present the join token on next 'atmosphere serve'.\n", tok.MeshID())
	fmt.Println("Run 'atmosphere serve' to connect.")
}

func runMeshInvite(args []string) {
	fs := flag.NewFlagSet("mesh invite", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	ttlFlag := fs.Duration("ttl", 24*time.Hour, "token validity duration")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh invite: %v", err)
	}
	grants := fs.Args()

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh invite: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("mesh invite: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.IssueToken(ctx, daemon.MeshTokenRequest{
		TTLSeconds: int(ttlFlag.Seconds()),
		Grants:     grants,
	})
	if err != nil {
		fatal("mesh invite: %v", err)
	}

	fmt.Printf("Invite for mesh %q (%s), valid until %s:\n\n", resp.MeshName, resp.MeshID, time.Unix(resp.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Println(resp.QRURI)
}

func runMeshPeers(args []string) {
	fs := flag.NewFlagSet("mesh peers", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh peers: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh peers: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("mesh peers: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.Peers(ctx)
	if err != nil {
		fatal("mesh peers: %v", err)
	}
	if len(resp.Peers) == 0 {
		fmt.Println("No connected peers.")
		return
	}
	for _, p := range resp.Peers {
		fmt.Printf("%s  %-8s %s\n", p.NodeID, p.PathType, p.RemoteAddr)
	}
}

func runMeshStatus(args []string) {
	fs := flag.NewFlagSet("mesh status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh status: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh status: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("mesh status: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.MeshStatus(ctx)
	if err != nil {
		fatal("mesh status: %v", err)
	}
	fmt.Printf("node_id:    %s\n", resp.NodeID)
	termcolor.Green("mesh:       %s (%s)", resp.MeshName, resp.MeshID)
	fmt.Printf("role:       %s\n", resp.Role)
	fmt.Printf("peers:      %d\n", resp.PeerCount)
	fmt.Printf("capabilities: %d\n", resp.CapabilityCount)
	fmt.Printf("uptime:     %ds\n", resp.UptimeSeconds)
	if resp.Endpoints.Local != "" {
		fmt.Printf("local:      %s\n", resp.Endpoints.Local)
	}
	if resp.Endpoints.Public != "" {
		fmt.Printf("public:     %s\n", resp.Endpoints.Public)
	}
	if resp.Endpoints.Relay != "" {
		fmt.Printf("relay:      %s\n", resp.Endpoints.Relay)
	}
}

func runMeshTopology(args []string) {
	fs := flag.NewFlagSet("mesh topology", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh topology: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh topology: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("mesh topology: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.Topology(ctx)
	if err != nil {
		fatal("mesh topology: %v", err)
	}
	for _, n := range resp.Nodes {
		fmt.Printf("node  %s  capabilities=%d\n", n.NodeID, n.CapabilityCount)
	}
	for _, l := range resp.Links {
		fmt.Printf("link  %s -> %s\n", l.From, l.To)
	}
}

func runMeshRevoke(args []string) {
	fs := flag.NewFlagSet("mesh revoke", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	reasonFlag := fs.String("reason", "", "reason for revocation")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("mesh revoke: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere mesh revoke <fingerprint>")
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("mesh revoke: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("mesh revoke: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := client.RevokeToken(ctx, daemon.TokenRevokeRequest{Fingerprint: positional[0], Reason: *reasonFlag}); err != nil {
		fatal("mesh revoke: %v", err)
	}
	fmt.Printf("Revoked %s\n", positional[0])
}
