package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
)

func runApproval(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere approval <show|update> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "show":
		runApprovalShow(rest)
	case "update":
		runApprovalUpdate(rest)
	default:
		fatal("unknown approval subcommand: %s", sub)
	}
}

func runApprovalShow(args []string) {
	fs := flag.NewFlagSet("approval show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("approval show: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("approval show: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("approval show: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.ApprovalConfig(ctx)
	if err != nil {
		fatal("approval show: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(resp.Config)
}

// runApprovalUpdate replaces the policy in effect with the one described
// by a JSON-encoded approval.Config read from a file (or stdin with "-").
// There is deliberately no field-by-field flag surface here: the policy
// is a single coherent document, and presenting a whole new one at once
// avoids a CLI that can express only half of it.
func runApprovalUpdate(args []string) {
	fs := flag.NewFlagSet("approval update", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("approval update: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere approval update <file.json|->")
	}

	var data []byte
	var err error
	if positional[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(positional[0])
	}
	if err != nil {
		fatal("approval update: %v", err)
	}

	var req daemon.ApprovalConfigUpdateRequest
	if err := json.Unmarshal(data, &req.Config); err != nil {
		fatal("approval update: parse config: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("approval update: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("approval update: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := client.UpdateApprovalConfig(ctx, req); err != nil {
		fatal("approval update: %v", err)
	}
	fmt.Println("Approval policy updated.")
}
