package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/chatpilot/chatpilot/internal/config"
)

func handleConfig(configPath string, args []string) {
	if len(args) == 0 {
		printConfigHelp()
		os.Exit(1)
	}

	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path = p
	}

	switch args[0] {
	case "path":
		fmt.Println(path)
	case "show":
		cfg, err := config.Read(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "# %s does not exist; showing defaults\n", path)
				def := config.Default()
				cfg = &def
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "init":
		handleConfigInit(path, args[1:])
	case "help", "--help", "-h":
		printConfigHelp()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config command %q\n", args[0])
		printConfigHelp()
		os.Exit(1)
	}
}

func handleConfigInit(path string, args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	force := fs.Bool("force", false, "Overwrite an existing file")
	name := fs.String("name", "", "Your display name in the chat client")
	if err := fs.Parse(normalizeArgs(fs, args)); err != nil {
		os.Exit(1)
	}

	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "%s %s already exists (use --force to overwrite)\n", errorSymbol, path)
		os.Exit(1)
	}

	cfg := config.Default()
	cfg.Identity.Name = *name
	if err := config.Save(path, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorSymbol, err)
		os.Exit(1)
	}
	fmt.Printf("%s Wrote %s\n", successSymbol, path)
	if cfg.Identity.Name == "" {
		fmt.Println("  Set [identity] name and the [screen] coordinates before running.")
	}
}

func printConfigHelp() {
	fmt.Println("Usage: chatpilot config <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  path                  Print the config file location")
	fmt.Println("  show                  Print the effective config as TOML")
	fmt.Println("  init [--name N]       Write a default config file")
	fmt.Println("       [--force]        Overwrite an existing file")
}
