// main.go
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/parley/internal/backend"
	"github.com/petervdpas/parley/internal/call"
	"github.com/petervdpas/parley/internal/config"
	"github.com/petervdpas/parley/internal/history"
	"github.com/petervdpas/parley/internal/ringtone"
	"github.com/petervdpas/parley/internal/socket"
)

var version = "dev"

var log = logging.Logger("parley:main")

func main() {
	var (
		cfgPath     = flag.String("config", "parley.json", "Path to the config file")
		metricsAddr = flag.String("metrics", "", "Expose Prometheus metrics on this address (e.g. :9090)")
		logLevel    = flag.String("log-level", "info", "Log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("parley", version)
		return
	}

	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintln(os.Stderr, "invalid log level:", *logLevel)
		os.Exit(2)
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if created {
		fmt.Printf("wrote default config to %s; fill in backend and identity, then start again\n", *cfgPath)
		return
	}
	if err := run(*cfgPath, cfg, *metricsAddr); err != nil {
		log.Fatalf("%v", err)
	}
}

func run(cfgPath string, cfg config.Config, metricsAddr string) error {
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	client := backend.New(cfg.Backend.BaseURL, cfg.Backend.Token)
	sock := socket.New(client, cfg.Identity.UserID, socket.Options{
		MaxAttempts:    cfg.Socket.MaxAttempts,
		BaseDelay:      time.Duration(cfg.Socket.BaseDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Socket.MaxDelayMs) * time.Millisecond,
		HeartbeatEvery: time.Duration(cfg.Socket.HeartbeatSec) * time.Second,
	})

	ringer := ringtone.New(ringtone.NewDeviceSink())
	defer ringer.Stop()

	var hist call.HistoryStore
	var callLog *history.Store
	if cfg.History.Dir != "" {
		store, err := history.Open(cfg.History.Dir)
		if err != nil {
			log.Warnf("call history disabled: %v", err)
		} else {
			defer store.Close()
			hist = store
			callLog = store
		}
	}

	ctrl := call.New(client, sock, ringer, hist, call.Identity{
		UserID:      cfg.Identity.UserID,
		DisplayName: cfg.Identity.DisplayName,
		AvatarURL:   cfg.Identity.AvatarURL,
	}, call.MediaOptions{
		StunURL:        cfg.Media.StunURL,
		DisableCapture: cfg.Media.DisableCapture,
	})

	// Watch for config edits. Transport and identity settings only take
	// effect on restart; say so instead of silently ignoring the edit.
	watchStop := make(chan struct{})
	defer close(watchStop)
	err := config.Watch(cfgPath, watchStop, func(next config.Config) {
		if next.Backend != cfg.Backend || next.Identity != cfg.Identity || next.Socket != cfg.Socket {
			log.Warnf("backend/identity/socket changes take effect on restart")
		}
	})
	if err != nil {
		log.Warnf("config watch: %v", err)
	}

	// A failed first attempt has already scheduled the backoff retry, so
	// startup survives a briefly unreachable backend.
	if err := sock.Connect(); err != nil {
		log.Warnf("connect: %v (retrying in the background)", err)
	}
	defer sock.Disconnect()

	events, cancelEvents := ctrl.Subscribe()
	defer cancelEvents()
	go printEvents(events)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("parley ready — commands: call <user-id> [name], answer, reject, hangup, status, history, quit")
	for {
		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := dispatch(ctrl, sock, callLog, line); quit {
				return nil
			}
		}
	}
}

func dispatch(ctrl *call.Controller, sock *socket.Manager, callLog *history.Store, line string) (quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	var err error
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Println("usage: call <user-id> [name]")
			return false
		}
		name := fields[1]
		if len(fields) > 2 {
			name = strings.Join(fields[2:], " ")
		}
		err = ctrl.MakeCall(fields[1], name)
	case "answer":
		err = ctrl.AnswerCall()
	case "reject":
		err = ctrl.RejectCall()
	case "hangup":
		err = ctrl.HangUp()
	case "status":
		fmt.Printf("socket: %s  call: %s", sock.State(), ctrl.State())
		if info := ctrl.Current(); info != nil {
			fmt.Printf("  peer: %s (%s)", info.PeerName, info.PeerID)
			if !info.StartTime.IsZero() {
				fmt.Printf("  %s", formatDuration(info.Duration))
			}
		}
		fmt.Println()
	case "history":
		if callLog == nil {
			fmt.Println("call history is disabled")
			return false
		}
		var entries []history.Entry
		if entries, err = callLog.Recent(10); err == nil {
			if len(entries) == 0 {
				fmt.Println("no calls yet")
			}
			for _, e := range entries {
				fmt.Printf("%s  %-8s  %-10s  %s (%s)  %s\n",
					e.StartedAt.Format("2006-01-02 15:04"), e.Direction, e.Outcome,
					e.PeerName, e.PeerID, formatDuration(e.Duration))
			}
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command:", fields[0])
	}
	if err != nil {
		fmt.Println("error:", err)
	}
	return false
}

func printEvents(events <-chan call.Event) {
	for ev := range events {
		switch ev.Type {
		case call.EventIncoming:
			fmt.Printf("\nincoming call from %s (%s) — answer or reject\n", ev.Info.PeerName, ev.Info.PeerID)
		case call.EventConnected:
			fmt.Printf("\nconnected to %s\n", ev.Info.PeerName)
		case call.EventEnded:
			fmt.Printf("\ncall ended: %s\n", ev.Reason)
		}
	}
}

func formatDuration(secs int) string {
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
