package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellPrompt is printed before each line of input.
const shellPrompt = "gopunchctl> "

// shellCommands lists the available commands for the interactive shell help output.
var shellCommands = []struct {
	name string
	desc string
}{
	{"listings", "List all advertised listings"},
	{"announce <name> --bind <ip:port>", "Advertise a listing and wait for peers"},
	{"join <listing-id> --bind <ip:port>", "Join a listing and hole-punch to its owner"},
	{"version", "Print build information"},
	{"help", "Show this help message"},
	{"exit / quit", "Leave the interactive shell"},
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive gopunchctl shell",
		Long:  "Launches a simple REPL that accepts gopunchctl subcommands. Type 'help', 'exit', or 'quit'.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell(os.Stdin)
		},
	}
}

// runShell reads lines from in and dispatches each as a gopunchctl
// invocation until EOF or an explicit exit.
func runShell(in *os.File) error {
	printShellBanner()

	scanner := bufio.NewScanner(in)
	for {
		fmt.Print(shellPrompt)
		if !scanner.Scan() {
			break
		}

		if quit := dispatchShellLine(strings.TrimSpace(scanner.Text())); quit {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	return nil
}

// dispatchShellLine handles one line of shell input. Returns true when the
// user asked to leave.
func dispatchShellLine(line string) bool {
	switch line {
	case "exit", "quit":
		return true
	case "help", "?":
		printShellHelp()
	case "":
	default:
		rootCmd.SetArgs(strings.Fields(line))
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	return false
}

func printShellBanner() {
	fmt.Println("gopunchctl interactive shell. Type 'help' for commands, 'exit' to leave.")
}

func printShellHelp() {
	fmt.Println("Available commands:")
	for _, c := range shellCommands {
		fmt.Printf("  %-40s %s\n", c.name, c.desc)
	}
}
