package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// shellCommand documents one REPL-recognized command for the built-in
// help listing.
type shellCommand struct {
	name string
	help string
}

var shellCommands = []shellCommand{
	{"send --type T --payload HEX", "send a single RPC and print the reply"},
	{"fanout --type T --payload HEX --nodes a,b,c", "fan a request out across nodes"},
	{"version", "print version information"},
	{"help", "list available commands"},
	{"exit, quit", "leave the shell"},
}

// shellCmd launches an interactive REPL over stdin, dispatching each
// line back through the root command.
func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "interactive REPL for sending repeated RPCs",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runShell()
		},
	}
}

func runShell() error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("clusterctl shell — type 'help' for commands, 'exit' to quit")

	for {
		fmt.Print("clusterctl> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "exit", "quit":
			return nil
		case "help":
			printShellHelp()
			continue
		}

		args, err := splitShellArgs(line)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}

		rootCmd.SetArgs(args)
		if err := rootCmd.Execute(); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
}

func printShellHelp() {
	w := newTabwriter(os.Stdout)
	defer w.Flush()
	for _, c := range shellCommands {
		fmt.Fprintf(w, "%s\t%s\n", c.name, c.help)
	}
}

// splitShellArgs tokenizes a shell line on whitespace, honoring simple
// double-quoted segments so payload/hostlist values can contain commas
// without further escaping.
func splitShellArgs(line string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inQuotes := false

	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
		case r == ' ' && !inQuotes:
			if cur.Len() > 0 {
				args = append(args, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if inQuotes {
		return nil, fmt.Errorf("unterminated quote in: %s", line)
	}
	if cur.Len() > 0 {
		args = append(args, cur.String())
	}
	return args, nil
}
