package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmosphere-mesh/atmosphere/internal/config"
)

func runConfig(args []string) {
	if len(args) == 0 {
		fatal("usage: atmosphere config <validate|show|rollback|apply|confirm> ...")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "validate":
		runConfigValidate(rest)
	case "show":
		runConfigShow(rest)
	case "rollback":
		runConfigRollback(rest)
	case "apply":
		runConfigApply(rest)
	case "confirm":
		runConfigConfirm(rest)
	default:
		fatal("unknown config subcommand: %s", sub)
	}
}

func configFileFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "path to config.yaml")
}

func runConfigValidate(args []string) {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := configFileFlag(fs)
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("config validate: %v", err)
	}
	path, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("config validate: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		fatal("config validate: %v", err)
	}
	fmt.Printf("%s is valid\n", path)
}

func runConfigShow(args []string) {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := configFileFlag(fs)
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("config show: %v", err)
	}
	cfg, configDir, err := loadConfig(*configFlag)
	if err != nil {
		fatal("config show: %v", err)
	}
	_ = configDir
	out, err := yaml.Marshal(cfg)
	if err != nil {
		fatal("config show: %v", err)
	}
	fmt.Print(string(out))
}

func runConfigRollback(args []string) {
	fs := flag.NewFlagSet("config rollback", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := configFileFlag(fs)
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("config rollback: %v", err)
	}
	path, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("config rollback: %v", err)
	}
	if err := config.Rollback(path); err != nil {
		fatal("config rollback: %v", err)
	}
	fmt.Printf("Restored last-known-good config at %s\n", path)
}

// runConfigApply stages newConfigPath over the active config under a
// commit-confirmed window: `atmosphere serve` enforces the deadline and
// auto-reverts if nobody runs `atmosphere config confirm` in time, the
// same safety net a network device gives you before a risky config push.
func runConfigApply(args []string) {
	fs := flag.NewFlagSet("config apply", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := configFileFlag(fs)
	timeoutFlag := fs.Duration("confirm-timeout", 2*time.Minute, "time allowed before auto-revert")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("config apply: %v", err)
	}
	positional := fs.Args()
	if len(positional) != 1 {
		fatal("usage: atmosphere config apply <new-config.yaml> [--confirm-timeout 2m]")
	}

	path, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("config apply: %v", err)
	}
	if _, err := config.Load(positional[0]); err != nil {
		fatal("config apply: new config is invalid: %v", err)
	}
	if err := config.ApplyCommitConfirmed(path, positional[0], *timeoutFlag); err != nil {
		fatal("config apply: %v", err)
	}
	fmt.Printf("Applied %s over %s. Restart 'atmosphere serve' and run 'atmosphere config confirm' within %s or it reverts.\n", positional[0], path, timeoutFlag)
}

func runConfigConfirm(args []string) {
	fs := flag.NewFlagSet("config confirm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := configFileFlag(fs)
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		fatal("config confirm: %v", err)
	}
	path, err := config.FindConfigFile(*configFlag)
	if err != nil {
		fatal("config confirm: %v", err)
	}
	if err := config.Confirm(path); err != nil {
		fatal("config confirm: %v", err)
	}
	fmt.Printf("Confirmed %s\n", path)
}
