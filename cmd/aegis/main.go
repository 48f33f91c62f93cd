// Command aegis runs the admission gate: token verification, sliding-window
// sessions, relationship authorization behind a circuit breaker, tiered rate
// limiting, and the audit/metering trail for every decision.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/auth"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so dispatcher tests can stub the blocking server.
var startServer = runServe

// Run dispatches subcommands. The default action is serving.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "hash-password":
		return runHashPassword(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "aegis %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorGreen = "\033[32m"
	colorBlue  = "\033[34m"
	colorCyan  = "\033[36m"
	colorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sAEGIS Gate %s%s\n", colorBold+colorBlue, "v"+version, colorReset)
	fmt.Fprintf(w, "%sEvery request earns its way in.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  aegis <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "GATE")
	printCommand(w, "serve", "Run the gate server (default)")
	printCommand(w, "health", "Probe a running gate over HTTP")

	printSection(w, "OPERATIONS")
	printCommand(w, "hash-password", "Hash a password for the credentials file")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-14s%s %s\n", colorGreen, name, colorReset, desc)
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

func runHashPassword(args []string, out, errOut io.Writer) int {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintln(errOut, "Usage: aegis hash-password <password>")
		return 2
	}
	hash, err := auth.HashPassword(args[0])
	if err != nil {
		fmt.Fprintf(errOut, "Hashing failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, hash)
	return 0
}
