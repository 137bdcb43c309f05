package main

import (
	"fmt"
	"os"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = serveCmd(args)
	case "import":
		err = importCmd(args)
	case "analyze":
		err = analyzeCmd(args)
	case "runs":
		err = runsCmd(args)
	case "items":
		err = itemsCmd(args)
	case "status":
		err = statusCmd(args)
	case "diff":
		err = diffCmd(args)
	case "link":
		err = linkCmd(args)
	case "suggest":
		err = suggestCmd(args)
	case "accept":
		err = decideCmd("accept", args)
	case "reject":
		err = decideCmd("reject", args)
	case "schedule":
		err = scheduleCmd(args)
	case "audit":
		err = auditCmd(args)
	case "secrets":
		err = secretsCmd(args)
	case "ping":
		err = pingCmd(args)
	case "version":
		fmt.Printf("impactd %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "impactd %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `impactd

Usage:
  impactd serve [flags]
  impactd import -file <path> [flags]
  impactd analyze -artefact <id> [flags]
  impactd runs -artefact <id> [flags]
  impactd items (-run <id> | -artefact <id>) [flags]
  impactd status -item <id> -status <reviewed|ignored|review_required|pending>
  impactd diff (-artefact <id> | -older <run> -newer <run>)
  impactd link add|rm|ls [flags]
  impactd suggest -artefact <id> [-list]
  impactd accept -id <suggestion>
  impactd reject -id <suggestion>
  impactd schedule -artefact <id> (-at <RFC3339> | -in <duration>)
  impactd audit [-artefact <id>] [-limit n]
  impactd secrets set|clear -provider <id>
  impactd ping [-addr host:port] [-monitor]
  impactd version

Commands:
  serve      Accept RPC connections and run queued analyses.
  import     Store or update an artefact from a file.
  analyze    Run one impact analysis and print the result.
  runs       List analysis runs of an artefact, newest first.
  items      List the impact items of a run.
  status     Set the review status of an impact item.
  diff       Compare two completed runs.
  link       Manage the linkage graph of an artefact.
  suggest    Ask the oracle for link suggestions.
  accept     Accept a pending link suggestion.
  reject     Reject a pending link suggestion.
  schedule   Queue an analysis for later.
  audit      Print audit entries.
  secrets    Store or clear a provider API key.
  ping       Check a running server or read its resource usage.
  version    Print build information.

All commands accept -config <path> (default: ~/.redeven-impact/config.json).

`)
}
