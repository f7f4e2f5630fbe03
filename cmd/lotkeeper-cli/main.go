package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"lotkeeper/internal/config"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lotkeeper-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version              Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  open [flags]         Open a lot with a simple or bracket entry order\n")
		fmt.Fprintf(os.Stderr, "  liquidate <lot-id>   Cancel working orders and close the position at market\n")
		fmt.Fprintf(os.Stderr, "  cancel <lot-id>      Cancel a lot's open entry order\n")
		fmt.Fprintf(os.Stderr, "  list [flags]         List lots, newest first\n")
		fmt.Fprintf(os.Stderr, "  sync                 Reconcile every unfinished lot once\n")
		fmt.Fprintf(os.Stderr, "  export               Archive finished lots to parquet\n")
		fmt.Fprintf(os.Stderr, "  archive <YYYY-MM>    Show archived lots for a month\n")
		fmt.Fprintf(os.Stderr, "  status               Show lotkeeper-server readiness\n")
		fmt.Fprintf(os.Stderr, "  watch                Print lot updates from lotkeeper-server\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("lotkeeper-cli %s\n", version)
		return
	}

	if remote, ok := remoteCommands[cmd]; ok {
		cfg, err := config.Load(config.Path())
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if err := remote(cfg, args); err != nil {
			log.Fatalf("%s failed: %v", cmd, err)
		}
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		flag.Usage()
		os.Exit(1)
	}

	app, err := newApp()
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer app.Close()

	if err := run(app, args); err != nil {
		app.log.Error(cmd+" failed", "error", err)
		app.Close()
		os.Exit(1)
	}
}
