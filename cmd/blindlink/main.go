// blindlink is a delegated private set intersection service: identifiers are
// canonicalized and fingerprinted on the client, stored encrypted in a
// bucketed registry, and matched inside a computation cluster whose outputs
// are signature-verified before anything is believed.
package main

import (
	"fmt"
	"os"
	"path"

	"github.com/urfave/cli/v2"

	"github.com/blindlink/blindlink/common/log"
	"github.com/blindlink/blindlink/internal/metrics"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: defaultFolder(),
	Usage: "Folder holding the cluster key material and the ledger database, with absolute path.",
}

var backendFlag = &cli.StringFlag{
	Name:  "db-backend",
	Value: "bolt",
	Usage: "Ledger storage backend: 'bolt' for an on-disk database, 'memory' for a throwaway one.",
}

var ownerFlag = &cli.StringFlag{
	Name:  "owner",
	Value: "local",
	Usage: "Owner identity query sessions are recorded under.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level.",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json-logs",
	Usage: "If set, logs are emitted as JSON.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var demoFlag = &cli.StringSliceFlag{
	Name: "demo-contact",
	Usage: "Demo contact for the local fallback used when the cluster is unavailable. " +
		"Results computed this way are clearly labeled as simulated.",
}

func defaultFolder() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blindlink"
	}
	return path.Join(home, ".blindlink")
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

var appCommands = []*cli.Command{
	{
		Name:   "keygen",
		Usage:  "generates the cluster key material (signing and key-exchange pairs) into the folder.",
		Action: keygenCmd,
	},
	{
		Name:      "init",
		Usage:     "bootstraps the encrypted registry under the given authority identity.",
		ArgsUsage: "<authority>",
		Action:    initCmd,
	},
	{
		Name:      "register",
		Usage:     "canonicalizes each contact identifier and registers its encrypted fingerprint.",
		ArgsUsage: "<contact> [contact...]",
		Action:    registerCmd,
	},
	{
		Name:      "query",
		Usage:     "intersects the given contacts against the registry and prints which matched.",
		ArgsUsage: "<contact> [contact...]",
		Flags:     toArray(ownerFlag, demoFlag),
		Action:    queryCmd,
	},
	{
		Name:   "size",
		Usage:  "reveals the total number of occupied registry slots.",
		Action: sizeCmd,
	},
	{
		Name:   "sessions",
		Usage:  "lists the owner's query sessions, newest first.",
		Flags:  toArray(ownerFlag),
		Action: sessionsCmd,
	},
}

// CLI builds the blindlink app.
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "blindlink"
	app.Version = version
	app.Usage = "delegated private set intersection service"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(c.App.Writer, "blindlink %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}
	app.Commands = appCommands
	app.Flags = toArray(folderFlag, backendFlag, verboseFlag, jsonFlag, metricsFlag)
	return app
}

func logger(c *cli.Context) log.Logger {
	level := log.InfoLevel
	if c.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	l := log.New(nil, level, c.Bool(jsonFlag.Name))
	if addr := c.String(metricsFlag.Name); addr != "" {
		metrics.Start(l, addr)
	}
	return l
}

func main() {
	if err := CLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "blindlink: %v\n", err)
		os.Exit(1)
	}
}
