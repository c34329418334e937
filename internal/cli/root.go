// Package cli implements walkctl, the command-line client for the
// latentwalk API.
package cli

import (
	"fmt"
	"io"
	"os"
)

const (
	envServer = "LATENTWALK_URL"
	envAPIKey = "LATENTWALK_API_KEY"

	defaultServer = "http://localhost:8080"
)

func Run(args []string) error {
	return run(args, os.Stdout)
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		printRootUsage(out)
		return nil
	}

	switch args[0] {
	case "submit":
		return runSubmit(args[1:], out)
	case "status":
		return runStatus(args[1:], out)
	case "watch":
		return runWatch(args[1:], out)
	case "download":
		return runDownload(args[1:], out)
	case "help", "-h", "--help":
		printRootUsage(out)
		return nil
	default:
		printRootUsage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage(out io.Writer) {
	fmt.Fprintln(out, "walkctl: submit and follow latent-walk video jobs")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  walkctl submit [--seconds 2 --fps 8 --res 256 ...] [--wait] [--out dir]")
	fmt.Fprintln(out, "  walkctl status <job-id> [--json]")
	fmt.Fprintln(out, "  walkctl watch <job-id> [--plain]")
	fmt.Fprintln(out, "  walkctl download <job-id> [--out path]")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Server and key default to $%s (%s) and $%s.\n", envServer, defaultServer, envAPIKey)
}
