package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func runCapability(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere capability <list|register|remove> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		runCapabilityList(rest)
	case "register":
		runCapabilityRegister(rest)
	case "remove":
		runCapabilityRemove(rest)
	default:
		fatal("unknown capability subcommand: %s", sub)
	}
}

func runCapabilityList(args []string) {
	fs := flag.NewFlagSet("capability list", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("capability list: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("capability list: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("capability list: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.Capabilities(ctx)
	if err != nil {
		fatal("capability list: %v", err)
	}
	for _, cap := range resp.Capabilities {
		fmt.Printf("%s  %-20s %-10s %s\n", cap.CapID, cap.Type, cap.Status, cap.Label)
	}
}

// runCapabilityRegister reads a JSON-encoded meshmodel.Capability from a
// file (or stdin with "-") and registers it on the running node.
func runCapabilityRegister(args []string) {
	fs := flag.NewFlagSet("capability register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("capability register: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere capability register <file.json|->")
	}

	var data []byte
	var err error
	if positional[0] == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(positional[0])
	}
	if err != nil {
		fatal("capability register: %v", err)
	}

	var cap meshmodel.Capability
	if err := json.Unmarshal(data, &cap); err != nil {
		fatal("capability register: parse capability: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("capability register: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("capability register: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := client.RegisterCapability(ctx, &cap); err != nil {
		fatal("capability register: %v", err)
	}
	fmt.Printf("Registered %s (%s)\n", cap.CapID, cap.Type)
}

func runCapabilityRemove(args []string) {
	fs := flag.NewFlagSet("capability remove", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("capability remove: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere capability remove <cap-id>")
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("capability remove: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("capability remove: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	if err := client.DeregisterCapability(ctx, positional[0]); err != nil {
		fatal("capability remove: %v", err)
	}
	fmt.Printf("Removed %s\n", positional[0])
}
