package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/driftwall/cmd"
)

const defaultConfig = "/etc/driftwall/driftwall.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "once":
		onceFlags := flag.NewFlagSet("once", flag.ExitOnError)
		configFile := onceFlags.String("config", defaultConfig, "Configuration file")
		onceFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")

		dryRun := onceFlags.Bool("dry-run", false, "Print the rule diff without submitting")
		onceFlags.BoolVar(dryRun, "n", false, "Dry run (short)")

		onceFlags.Parse(os.Args[2:])
		os.Exit(cmd.RunOnce(*configFile, *dryRun))

	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", defaultConfig, "Configuration file")
		runFlags.StringVar(configFile, "c", defaultConfig, "Configuration file (short)")

		runFlags.Parse(os.Args[2:])
		os.Exit(cmd.RunDaemon(*configFile))

	case "version":
		cmd.PrintVersion()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `driftwall - keeps cloud firewall rules pointed at a dynamic WAN address

Usage:
  driftwall once [-config FILE] [-dry-run]   Run a single update cycle
  driftwall run  [-config FILE]              Run on the configured interval
  driftwall version                          Print the version`)
}
