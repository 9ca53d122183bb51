// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/dp2ptrade/rolenet-sub003/internal/app"
	"github.com/dp2ptrade/rolenet-sub003/internal/config"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "rolenet.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("rolenet v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch command := args[0]; command {
	case "peer", "init":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: rolenet %s <peer-directory>\n", command)
			os.Exit(1)
		}
		if command == "init" {
			err = runInit(args[1])
		} else {
			err = runPeer(ctx, args[1])
		}

	case "relay":
		addr := ":8787"
		if len(args) >= 2 {
			addr = args[1]
		}
		fmt.Printf("rolenet relay on %s%s (Press Ctrl+C to stop)\n", addr, app.RelayPath)
		err = app.RunRelay(ctx, addr)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func peerDir(arg string) (string, error) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", fmt.Errorf("create peer directory: %w", err)
	}
	return absDir, nil
}

func runPeer(ctx context.Context, arg string) error {
	absDir, err := peerDir(arg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Printf("Created default config: %s\n", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)
	return app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	})
}

func runInit(arg string) error {
	absDir, err := peerDir(arg)
	if err != nil {
		return err
	}
	cfgPath := filepath.Join(absDir, configName)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	if cfg.Identity.UserID == "" {
		if id, err := util.ValidateUserID(filepath.Base(absDir)); err == nil {
			cfg.Identity.UserID = id
		}
	}
	cfg = app.PromptInteractive(os.Stdin, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", cfgPath)
	return nil
}

func showUsage() {
	fmt.Println("rolenet - real-time calls, chat and presence")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  rolenet peer <directory>    Run a client from the specified directory")
	fmt.Println("  rolenet init <directory>    Write the client config interactively")
	fmt.Println("  rolenet relay [addr]        Run a websocket topic relay (default :8787)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Printf("        The directory holds %s and the local database.\n", configName)
	fmt.Println("        A default config is created on first run.")
	fmt.Println()
	fmt.Println("  relay [addr]")
	fmt.Printf("        Clients with transport.kind=ws connect to ws://<addr>%s\n", app.RelayPath)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ROLENET_USER_ID, ROLENET_LOG_LEVEL, ROLENET_TRANSPORT,")
	fmt.Println("  ROLENET_REDIS_URL, ROLENET_RELAY_URL, ROLENET_DB_PATH")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  rolenet relay :8787")
	fmt.Println("  ROLENET_TRANSPORT=ws ROLENET_RELAY_URL=ws://127.0.0.1:8787/relay rolenet peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   rolenet client                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User:           %s\n", cfg.Identity.UserID)
	}
	switch cfg.Transport.Kind {
	case config.TransportRedis:
		fmt.Printf("Transport:      redis %s\n", cfg.Transport.RedisURL)
	case config.TransportWS:
		fmt.Printf("Transport:      relay %s\n", cfg.Transport.RelayURL)
	default:
		fmt.Printf("Transport:      p2p (port %d)\n", cfg.Transport.ListenPort)
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
