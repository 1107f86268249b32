package main

import (
	"flag"
	"fmt"
	"io"
)

func runCost(args []string) {
	fs := flag.NewFlagSet("cost", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "path to config.yaml")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("cost: %v", err)
	}

	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("cost: %v", err)
	}
	client, err := newClient(cfg, configDir)
	if err != nil {
		fatal("cost: %v", err)
	}

	ctx, cancel := withTimeout()
	defer cancel()
	resp, err := client.CostCurrent(ctx)
	if err != nil {
		fatal("cost: %v", err)
	}

	fmt.Printf("score: %.3f\n", resp.Score)
	if resp.OnBattery != nil {
		fmt.Printf("on_battery: %v\n", *resp.OnBattery)
	}
	if resp.BatteryPercent != nil {
		fmt.Printf("battery_percent: %.1f\n", *resp.BatteryPercent)
	}
	if resp.CPULoad != nil {
		fmt.Printf("cpu_load: %.2f\n", *resp.CPULoad)
	}
	if resp.MemoryPressure != nil {
		fmt.Printf("memory_pressure: %.2f\n", *resp.MemoryPressure)
	}
	if resp.ThermalThrottled != nil {
		fmt.Printf("thermal_throttled: %v\n", *resp.ThermalThrottled)
	}
	fmt.Printf("queue_depth: %d\n", resp.QueueDepth)
	if len(resp.LowConfidence) > 0 {
		fmt.Printf("low_confidence: %v\n", resp.LowConfidence)
	}
}
