package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dp2ptrade/rolenet-sub003/internal/realtime/wsrelay"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

// RelayPath is where the relay accepts websocket clients.
const RelayPath = "/relay"

// RunRelay serves a websocket topic relay on addr until ctx is done.
func RunRelay(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeRelay(ctx, ln)
}

// ServeRelay is RunRelay on an existing listener.
func ServeRelay(ctx context.Context, ln net.Listener) error {
	relay := wsrelay.NewServer()
	mux := http.NewServeMux()
	mux.Handle(RelayPath, relay)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Infof("relay listening on ws://%s%s", ln.Addr(), RelayPath)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	relay.DropAll()
	sctx, cancel := context.WithTimeout(context.Background(), util.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
