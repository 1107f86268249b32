package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
)

func runExecute(args []string) {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	toolFlag := fs.String("tool", "", "tool name to invoke on the capability")
	payloadFlag := fs.String("payload", "", "JSON payload, or @file to read one from disk")
	deadlineFlag := fs.Int("deadline-ms", 0, "deadline in milliseconds (0 = capability default)")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("execute: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere execute <cap-id> --tool <name> [--payload <json>|@file]")
	}
	capID := positional[0]

	var payload json.RawMessage
	if *payloadFlag != "" {
		raw := *payloadFlag
		if len(raw) > 0 && raw[0] == '@' {
			data, err := os.ReadFile(raw[1:])
			if err != nil {
				fatal("execute: read payload file: %v", err)
			}
			payload = data
		} else {
			payload = json.RawMessage(raw)
		}
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("execute: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("execute: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.Execute(ctx, daemon.ExecuteRequest{
		CapID:      capID,
		Tool:       *toolFlag,
		Payload:    payload,
		DeadlineMs: *deadlineFlag,
	})
	if err != nil {
		fatal("execute: %v", err)
	}

	if resp.Failure != "" {
		fatal("execute: %s: %s", resp.Failure, resp.ErrMsg)
	}
	fmt.Println(string(resp.Output))
}
