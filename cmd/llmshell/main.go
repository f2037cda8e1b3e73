package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	// No command (or flags only) starts the chat screen.
	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runChat(parseFlags(os.Args[1:])); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	flags := parseFlags(os.Args[2:])
	var err error
	switch os.Args[1] {
	case "chat":
		err = runChat(flags)
	case "ask":
		err = runAsk(flags)
	case "worker":
		err = runWorker(flags)
	case "discover":
		err = runDiscover(flags)
	case "doctor":
		err = runDoctor(flags)
	case "encrypt":
		err = runEncrypt(flags)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'llmshell --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`llmshell - chat with a language model hosted by a worker

USAGE:
    llmshell [COMMAND] [FLAGS]

COMMANDS:
    chat        Open the chat screen (default)
    ask         Send one prompt and print the reply
                Flags: --model ID, --stats
    worker      Host an engine for a controller
                Flags: --stdio | --listen ADDR --transport ws|grpc [--advertise]
    discover    List workers advertised on the local network
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for config.yaml (needs LLMSHELL_CONFIG_KEY)

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml (missing file = built-in defaults)
    Environment: LLMSHELL_* variables override config

EXAMPLES:
    llmshell                                   # Chat with a spawned local worker
    llmshell ask "What is WebGPU?"             # One-shot prompt
    llmshell ask --model "Local Server" hi     # Use the REST backend
    llmshell worker --listen :8791             # Serve controllers over websocket
    llmshell worker --transport grpc --advertise
    llmshell discover                          # Find workers via mDNS
    llmshell doctor                            # Check system health`)
}

// cliFlags holds the flags every command understands. Unknown flags are
// ignored; everything else is collected in Args.
type cliFlags struct {
	Config    string
	Model     string
	Listen    string
	Transport string
	Stdio     bool
	Stats     bool
	Advertise bool
	Args      []string
}

// parseFlags accepts both "--name value" and "--name=value".
func parseFlags(args []string) cliFlags {
	var flags cliFlags
	valued := map[string]*string{
		"--config":    &flags.Config,
		"--model":     &flags.Model,
		"--listen":    &flags.Listen,
		"--transport": &flags.Transport,
	}
	switches := map[string]*bool{
		"--stdio":     &flags.Stdio,
		"--stats":     &flags.Stats,
		"--advertise": &flags.Advertise,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			flags.Args = append(flags.Args, args[i+1:]...)
			break
		}
		if name, value, ok := strings.Cut(arg, "="); ok {
			if dst, known := valued[name]; known {
				*dst = value
				continue
			}
		}
		if dst, known := valued[arg]; known {
			if i+1 < len(args) {
				*dst = args[i+1]
				i++
			}
			continue
		}
		if dst, known := switches[arg]; known {
			*dst = true
			continue
		}
		if strings.HasPrefix(arg, "--") {
			continue
		}
		flags.Args = append(flags.Args, arg)
	}
	return flags
}

// configPath resolves --config, then LLMSHELL_CONFIG, then ./config.yaml.
func configPath(flags cliFlags) string {
	if flags.Config != "" {
		return flags.Config
	}
	if p := os.Getenv("LLMSHELL_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
