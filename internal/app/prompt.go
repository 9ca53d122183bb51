// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dp2ptrade/rolenet-sub003/internal/config"
)

// PromptInteractive walks through the settings a new client needs. Empty
// answers keep the current value.
func PromptInteractive(r io.Reader, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Println("────────────────────────────────────────")
	fmt.Println("rolenet interactive setup")
	fmt.Printf(" Peer folder : %s\n", peerDir)
	fmt.Printf(" Config file : %s\n", cfgPath)
	fmt.Println("────────────────────────────────────────")
	fmt.Println()

	cfg.Identity.UserID = askString(in, "User id", cfg.Identity.UserID)
	cfg.Transport.Kind = askString(in, "Transport (p2p, redis, ws)", cfg.Transport.Kind)
	switch cfg.Transport.Kind {
	case config.TransportP2P:
		cfg.Transport.ListenPort = askInt(in, "Listen port (0=random)", cfg.Transport.ListenPort)
		cfg.Transport.MdnsTag = askString(in, "mDNS tag (empty=off)", cfg.Transport.MdnsTag)
	case config.TransportRedis:
		cfg.Transport.RedisURL = askString(in, "Redis URL", cfg.Transport.RedisURL)
	case config.TransportWS:
		cfg.Transport.RelayURL = askString(in, "Relay URL", cfg.Transport.RelayURL)
	}

	cfg.Presence.TTLSec = askInt(in, "Presence TTL seconds", cfg.Presence.TTLSec)
	cfg.Presence.HeartbeatSec = askInt(in, "Presence heartbeat seconds", cfg.Presence.HeartbeatSec)

	if askBool(in, "Add a TURN relay", false) {
		turn := config.ICEServer{URLs: []string{askString(in, "TURN url", "turn:")}}
		turn.Username = askString(in, "TURN username", "")
		turn.Credential = askString(in, "TURN credential", "")
		cfg.Call.ICEServers = append(cfg.Call.ICEServers, turn)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, label, def string) string {
	fmt.Printf("%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, label string, def int) int {
	for {
		fmt.Printf("%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter a number.")
	}
}

func askBool(in *bufio.Reader, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Printf("%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Println("Please enter y or n.")
	}
}
