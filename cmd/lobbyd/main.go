// lobbyd: room and signaling service for mpmesh peers.
//
// Peers connect over WebSocket at /ws, create or join rooms and exchange
// WebRTC offers, answers and candidates through it. No game traffic passes
// through the lobby.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/mpmesh/internal/lobby"
	"github.com/1ureka/mpmesh/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	addr := flag.String("addr", "127.0.0.1:8787", "Listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("lobbyd v%s", version))
	pterm.Println()

	srv := lobby.NewServer()
	bound, err := srv.Start(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogSuccess("lobby listening on ws://%s/ws", bound)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("lobby closed (%d rooms open)", srv.Rooms())
}
