package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD) -X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)" -o atmosphere ./cmd/atmosphere
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "identity":
		runIdentity(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "mesh":
		runMesh(os.Args[2:])
	case "route":
		runRoute(os.Args[2:])
	case "execute":
		runExecute(os.Args[2:])
	case "capability":
		runCapability(os.Args[2:])
	case "cost":
		runCost(os.Args[2:])
	case "approval":
		runApproval(os.Args[2:])
	case "config":
		runConfig(os.Args[2:])
	case "version", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("atmosphere %s (%s) built %s\n", version, commit, buildDate)
	fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	fmt.Println("Usage: atmosphere <command> [options]")
	fmt.Println()
	fmt.Println("Node lifecycle:")
	fmt.Println("  init [--dir path] [--listen addr]        Set up node identity and config")
	fmt.Println("  identity seal                             Seal the identity key behind a passphrase")
	fmt.Println("  identity status                           Show whether the identity key is sealed")
	fmt.Println("  serve [--config path]                    Start the mesh node and control API")
	fmt.Println()
	fmt.Println("Mesh membership:")
	fmt.Println("  mesh create --name <name> [--config path] Found a new mesh")
	fmt.Println("  mesh join <token> [--config path]        Join a mesh via a join token")
	fmt.Println("  mesh invite [--ttl 24h] [--config path]  Mint a join token for this mesh")
	fmt.Println("  mesh peers [--config path]                List known peers")
	fmt.Println("  mesh status [--config path]                Show mesh identity and health")
	fmt.Println("  mesh topology [--config path]               Show the gossiped peer graph")
	fmt.Println("  mesh revoke <fingerprint> [--reason ...]  Revoke a join token mesh-wide")
	fmt.Println()
	fmt.Println("Routing and execution:")
	fmt.Println("  route <text> [--type kind] [--inference] Find capabilities for a request")
	fmt.Println("  execute <cap-id> --tool <name> [--payload <json>|@file]")
	fmt.Println("  capability list                           List capabilities in the local registry")
	fmt.Println("  capability register <file.json|->          Register a local capability")
	fmt.Println("  capability remove <cap-id>                 Deregister a local capability")
	fmt.Println()
	fmt.Println("Operations:")
	fmt.Println("  cost [--config path]                     Show the local cost-aware routing score")
	fmt.Println("  approval show                             Show the active approval policy")
	fmt.Println("  approval update <file.json|->              Replace the approval policy")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  config validate [--config path]          Validate config")
	fmt.Println("  config show     [--config path]          Show resolved config")
	fmt.Println("  config rollback [--config path]          Restore last-known-good config")
	fmt.Println("  config apply <new> [--confirm-timeout]   Apply with auto-revert")
	fmt.Println("  config confirm  [--config path]          Confirm applied config")
	fmt.Println()
	fmt.Println("  version                                   Show version information")
	fmt.Println()
	fmt.Println("All commands support --config <path> to specify a config file.")
	fmt.Println("Without --config, atmosphere searches ./atmosphere.yaml,")
	fmt.Println("~/.atmosphere/config.yaml and /etc/atmosphere/config.yaml.")
	fmt.Println()
	fmt.Println("Get started:  atmosphere init")
}
