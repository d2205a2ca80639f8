// Package main is the entry point for the buddy chat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: connection saturation with periodic heartbeats
//   - presence: buddy pairs flipping status while watching each other
//   - chat:     direct message exchange with delivery latency
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "presence":
		runPresence(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N connections that heartbeat")
	fmt.Println("  presence    Presence fanout test: buddy pairs change status and watch each other")
	fmt.Println("  chat        Direct message test: buddy pairs exchange messages and mark them read")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
