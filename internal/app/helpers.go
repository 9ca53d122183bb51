// internal/app/helpers.go
package app

import (
	"fmt"
	"net"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/dp2ptrade/rolenet-sub003/internal/call"
	"github.com/dp2ptrade/rolenet-sub003/internal/config"
)

// WaitTCP blocks until addr accepts connections or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

func iceServers(in []config.ICEServer) []call.ICEServer {
	return lo.Map(in, func(s config.ICEServer, _ int) call.ICEServer {
		return call.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	})
}

// setLogLevel applies level to every subsystem and keeps the noisy libp2p
// ones quieter than ours.
func setLogLevel(level string) error {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return err
	}
	logging.SetAllLoggers(lvl)
	for _, sub := range []string{"swarm2", "autonat", "pubsub", "basichost", "net/identify"} {
		_ = logging.SetLogLevel(sub, "warn")
	}
	return nil
}

func logBanner(peerDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("rolenet client scope")
	log.Infof(" Peer folder : %s", peerDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User id     : %s", cfg.Identity.UserID)
	log.Infof(" Transport   : %s", cfg.Transport.Kind)
	log.Info("")
	log.Info(" This process represents ONE user.")
	log.Info(" Different folder/config = different user.")
	log.Info("────────────────────────────────────────")
}
