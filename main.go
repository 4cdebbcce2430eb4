package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/leased/cmd"
	"grimm.is/leased/internal/brand"
	"grimm.is/leased/internal/privsep"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.DefaultConfigPath(), "Configuration file")
		runFlags.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
		logLevel := runFlags.String("log-level", "", "Override the configured log level")
		runFlags.Parse(os.Args[2:])

		code, err := cmd.RunDaemon(*configFile, *logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		}
		os.Exit(code)

	case "probe":
		probeFlags := flag.NewFlagSet("probe", flag.ExitOnError)
		iface := probeFlags.String("interface", "", "Interface to probe on")
		probeFlags.StringVar(iface, "i", "", "Interface to probe on (short)")
		configFile := probeFlags.String("config", "", "Configuration file for privsep and ARP settings")
		probeFlags.StringVar(configFile, "c", "", "Configuration file (short)")
		logLevel := probeFlags.String("log-level", "", "Log level")
		probeFlags.Parse(os.Args[2:])

		if *iface == "" || probeFlags.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "usage: %s probe -i <interface> <address>\n", brand.Name)
			os.Exit(1)
		}
		code, err := cmd.RunProbe(*iface, probeFlags.Arg(0), *configFile, *logLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Probe failed: %v\n", err)
		}
		os.Exit(code)

	case privsep.ChildCommand:
		os.Exit(cmd.RunPrivsep(os.Args[2:]))

	case "version":
		fmt.Printf("%s version %s\n", brand.Name, brand.Version)
		fmt.Printf("Commit: %s\n", brand.GitCommit)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  run       Probe, claim and defend the configured addresses
            Options: --config (-c) <file>, --log-level <level>
  probe     Check once whether an address is free
            Usage: probe -i <interface> [--config <file>] <address>
            Exit status 0 when free, 2 when in use
  version   Show version information
`, brand.Name, brand.Description, brand.Name)
}
