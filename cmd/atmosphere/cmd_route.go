package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/atmosphere-mesh/atmosphere/internal/daemon"
	"github.com/atmosphere-mesh/atmosphere/internal/meshmodel"
)

func runRoute(args []string) {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	pathFlag := fs.String("path", "", "explicit route_hint glob (bypasses semantic search)")
	typeFlag := fs.String("type", "", "restrict to one capability type")
	inferenceFlag := fs.Bool("inference", false, "allow semantic-similarity fallback")
	if err := fs.Parse(reorderArgs(args, map[string]bool{"inference": true})); err != nil {
		fatal("route: %v", err)
	}
	text := ""
	if positional := fs.Args(); len(positional) > 0 {
		text = positional[0]
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("route: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("route: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.Route(ctx, daemon.RouteRequest{
		ExplicitPath: *pathFlag,
		Type:         meshmodel.CapabilityType(*typeFlag),
		Text:         text,
		Inference:    *inferenceFlag,
	})
	if err != nil {
		fatal("route: %v", err)
	}

	fmt.Printf("chosen: %s  score=%.3f\n", resp.ChosenCapID, resp.Score)
	fmt.Printf("reason: %s\n", resp.Reasoning)
	for _, alt := range resp.Alternatives {
		fmt.Printf("  alt: %s  score=%.3f\n", alt.CapID, alt.Score)
	}
}
