// Command agentdeck is a terminal and WebSocket front end for a LangGraph
// agent server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultConfigPath = "agentdeck.yaml"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "agentdeck: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		showUsage(stderr)
		return flag.ErrHelp
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		opts, _, err := parseFlags(cmd, rest, stderr)
		if err != nil {
			return err
		}
		return runServe(ctx, opts)
	case "chat":
		opts, _, err := parseFlags(cmd, rest, stderr)
		if err != nil {
			return err
		}
		return runChat(ctx, opts)
	case "ask":
		opts, positional, err := parseFlags(cmd, rest, stderr)
		if err != nil {
			return err
		}
		if len(positional) != 1 {
			return fmt.Errorf("usage: agentdeck ask [flags] \"<message>\"")
		}
		return runAsk(ctx, opts, positional[0], stdout, stderr)
	case "encrypt":
		if len(rest) != 1 {
			return fmt.Errorf("usage: agentdeck encrypt <value>")
		}
		return runEncrypt(rest[0], os.Getenv("AGENTDECK_CONFIG_KEY"), stdout)
	case "version":
		fmt.Fprintf(stdout, "agentdeck %s\n", version)
		return nil
	case "help", "-h", "--help":
		showUsage(stdout)
		return nil
	default:
		showUsage(stderr)
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

// options holds the flags shared by the runtime commands.
type options struct {
	ConfigPath string
	ThreadID   string
}

// parseFlags parses the flags of one subcommand. Flags may follow the
// positional argument of ask.
func parseFlags(name string, args []string, output io.Writer) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.ConfigPath, "config", configPathFromEnv(), "config file path (env AGENTDECK_CONFIG)")
	fs.StringVar(&opts.ThreadID, "thread", "", "resume an existing backend thread")

	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return options{}, nil, err
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	return opts, positional, nil
}

func configPathFromEnv() string {
	if p := os.Getenv("AGENTDECK_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func showUsage(w io.Writer) {
	fmt.Fprint(w, `agentdeck - terminal and WebSocket front end for a LangGraph agent

USAGE:
    agentdeck <command> [flags]

COMMANDS:
    serve              Run the WebSocket gateway, history cache and scheduler
    chat               Interactive terminal chat
    ask "<message>"    Send one message and print the reply
    encrypt <value>    Encrypt a config secret (needs AGENTDECK_CONFIG_KEY)
    version            Print the version

FLAGS:
    -config PATH       Config file (default: ./agentdeck.yaml, env AGENTDECK_CONFIG)
    -thread ID         Resume an existing thread (chat, ask)

CONFIGURATION:
    AGENTDECK_* environment variables override the config file.
    Secrets written as "enc:..." are decrypted with AGENTDECK_CONFIG_KEY.
`)
}
