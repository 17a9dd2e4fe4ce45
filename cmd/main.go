package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServeCommand(os.Args[2:])
	case "chat":
		runChatCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("engine-gateway %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`engine-gateway - OpenAI-compatible bridge to the Engine Labs agent

Usage:
  engine-gateway serve [options]    Start the gateway server
  engine-gateway chat [options]     Send a test completion to a running gateway
  engine-gateway version            Print version
  engine-gateway help               Show this help

Run 'engine-gateway <command> --help' for command options.
`)
}
