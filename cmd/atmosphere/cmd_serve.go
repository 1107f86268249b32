package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
	"github.com/atmosphere-mesh/atmosphere/internal/executor"
	"github.com/atmosphere-mesh/atmosphere/internal/identity"
	"github.com/atmosphere-mesh/atmosphere/internal/mesh"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
	"github.com/atmosphere-mesh/atmosphere/internal/token"
	"github.com/atmosphere-mesh/atmosphere/internal/watchdog"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("serve: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("serve: %v", err)
	}
	dd := dataDir(configDir)

	configPath, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("serve: %v", err)
	}
	pendingDeadline, err := config.CheckPending(configPath)
	if err != nil {
		fatal("serve: %v", err)
	}
	if !pendingDeadline.IsZero() {
		fmt.Printf("atmosphere: config at %s has an unconfirmed change, reverting at %s unless 'atmosphere config confirm' is run\n", configPath, pendingDeadline.Format("15:04:05"))
	}

	if !mesh.HasMesh(dd) {
		fatal("no mesh configured in %s\nRun 'atmosphere mesh create' or 'atmosphere mesh join <token>' first", dd)
	}
	meshRecord, err := mesh.LoadMesh(dd)
	if err != nil {
		fatal("serve: %v", err)
	}

	id, err := loadServeIdentity(cfg.Identity.KeyFile)
	if err != nil {
		fatal("serve: load identity: %v", err)
	}

	handlers := executor.NewHandlerSet()
	n, err := mesh.New(*cfg, id, meshRecord, handlers, dd)
	if err != nil {
		fatal("serve: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !pendingDeadline.IsZero() {
		go config.EnforceCommitConfirmed(ctx, configPath, pendingDeadline, osExit)
	}

	if err := n.Start(ctx); err != nil {
		fatal("serve: start node: %v", err)
	}

	if pending, err := mesh.LoadPendingJoin(dd); err != nil {
		n.Shutdown()
		fatal("serve: load pending join token: %v", err)
	} else if pending != nil {
		if err := completePendingJoin(ctx, n, dd, &meshRecord, pending); err != nil {
			n.Shutdown()
			fatal("serve: complete pending join: %v", err)
		}
	}

	tokenPath := cfg.Daemon.BearerTokenFile
	if tokenPath == "" {
		tokenPath = filepath.Join(configDir, "bearer_token")
	} else if !filepath.IsAbs(tokenPath) {
		tokenPath = filepath.Join(configDir, tokenPath)
	}
	bearerToken, err := daemon.LoadBearerToken(tokenPath)
	if err != nil {
		n.Shutdown()
		fatal("serve: %v", err)
	}

	deps := daemon.Deps{
		Registry:  n.Registry,
		Router:    n.Router,
		Executor:  n.Executor,
		Gossip:    n.Gossip,
		CostTable: n.CostTable,
		Pool:      n.Pool,
		Gate:      n.Gate,
		Revoked:   n.Revoked,
		Audit:     n.Audit,
		Metrics:   n.Metrics,
	}
	server := daemon.NewServer(n, deps, cfg.Daemon.ListenAddress, bearerToken, version)
	if err := server.Start(); err != nil {
		n.Shutdown()
		fatal("serve: %v", err)
	}

	fmt.Printf("atmosphere: node %s serving mesh %q (%s) on %s\n", n.NodeID(), n.MeshName(), n.MeshID(), server.Addr())

	watchdog.Ready()
	go watchdog.Run(ctx, watchdog.Config{}, []watchdog.HealthCheck{
		{Name: "control-api", Check: func() error {
			conn, err := net.DialTimeout("tcp", server.Addr(), 2*time.Second)
			if err != nil {
				return err
			}
			return conn.Close()
		}},
	})

	<-ctx.Done()
	watchdog.Stopping()
	fmt.Println("atmosphere: shutting down")
	server.Stop()
	n.Shutdown()
}

// loadServeIdentity loads the node's identity, prompting for a passphrase
// first if `atmosphere identity seal` has sealed the key file — a sealed
// node simply cannot start serving until someone present types it in.
func loadServeIdentity(keyFile string) (*identity.Identity, error) {
	if !identity.IsSealed(keyFile) {
		return identity.LoadOrCreateIdentity(keyFile)
	}
	passphrase, err := readPassphrase(os.Stdout, "Identity passphrase: ")
	if err != nil {
		return nil, err
	}
	return identity.LoadSealedIdentity(keyFile, passphrase)
}

// completePendingJoin presents a join token saved by `atmosphere mesh join`
// now that the local listener is up and can dial out, then persists the
// mesh name learned from the handshake and clears the pending token.
func completePendingJoin(ctx context.Context, n *mesh.Node, dd string, rec *meshmodel.Mesh, tok *token.Token) error {
	result, err := n.Join(ctx, tok, nil)
	if err != nil {
		return err
	}
	n.AdoptMeshName(result.MeshName)
	rec.Name = result.MeshName
	if err := mesh.SaveMesh(dd, *rec); err != nil {
		return err
	}
	return mesh.ClearPendingJoin(dd)
}
