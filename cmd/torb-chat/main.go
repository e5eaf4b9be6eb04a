// torb-chat is a minimal terminal client for the torb realtime
// protocol, mainly useful against torb-chatd during development.
//
// Commands: /dm <peer> <text>, /open <peer>, /read <peer>, /roster,
// /unread, /history [peer], /quit. Anything else is sent to the global
// channel.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/torb-music/realtime/internal/chat"
	"github.com/torb-music/realtime/internal/history"
	"github.com/torb-music/realtime/internal/ledger"
	"github.com/torb-music/realtime/internal/wire"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:8090", "torb API origin")
	user := flag.String("user", "", "username (required)")
	ledgerPath := flag.String("ledger", defaultLedgerPath(), "unread ledger database path")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "torb-chat: -user is required")
		os.Exit(2)
	}

	var activePeer atomic.Value
	activePeer.Store("")

	led := ledger.Open(*ledgerPath, logger)
	defer led.Close()

	client := chat.New(chat.Options{
		URL:    wsURL(*serverURL, *user),
		Ledger: led,
		Logger: logger,
		ViewState: func() (string, bool) {
			return activePeer.Load().(string), true
		},
		Notify: func(peer, content string) {
			fmt.Printf("\n[notification] %s: %s\n", peer, content)
		},
		OnState: func(s chat.State) {
			fmt.Printf("\n[connection %s]\n", s)
		},
		OnServerError: func(message string) {
			fmt.Printf("\n[server error] %s\n", message)
		},
	})
	client.SetLocalIdentity(*user)
	client.Connect()
	defer client.Teardown()

	hist := history.New(*serverURL)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := client.SendGlobal(line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
			continue
		}

		cmd, rest, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit":
			return

		case "dm":
			peer, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /dm <peer> <text>")
				continue
			}
			if err := client.SendDirect(peer, text); err != nil {
				fmt.Printf("dm failed: %v\n", err)
			}

		case "open":
			activePeer.Store(strings.TrimSpace(rest))
			client.MarkRead(strings.TrimSpace(rest))
			printLog(client.Direct(strings.TrimSpace(rest)))

		case "read":
			client.MarkRead(strings.TrimSpace(rest))

		case "roster":
			for _, entry := range client.Roster() {
				status := "offline"
				if entry.Online {
					status = "online"
				}
				track := ""
				if entry.TrackID != nil {
					track = " listening to " + *entry.TrackID
				}
				fmt.Printf("  %s (%s)%s\n", entry.Username, status, track)
			}

		case "unread":
			for peer, count := range client.Unread() {
				fmt.Printf("  %s: %d\n", peer, count)
			}

		case "history":
			peer := strings.TrimSpace(rest)
			var cursor time.Time
			var batch []wire.Message
			var err error
			if peer == "" {
				if log := client.Global(); len(log) > 0 {
					cursor = log[0].Timestamp
				}
				batch, err = hist.Global(cursor, 0)
				if err == nil {
					client.MergeOlderGlobal(batch)
					printLog(client.Global())
				}
			} else {
				if log := client.Direct(peer); len(log) > 0 {
					cursor = log[0].Timestamp
				}
				batch, err = hist.Direct(*user, peer, cursor, 0)
				if err == nil {
					client.MergeOlderDirect(peer, batch)
					printLog(client.Direct(peer))
				}
			}
			if err != nil {
				fmt.Printf("history failed: %v\n", err)
			}

		default:
			fmt.Println("commands: /dm /open /read /roster /unread /history /quit")
		}
	}
}

func printLog(log []wire.Message) {
	for _, msg := range log {
		fmt.Printf("  %s %s: %s\n", msg.Timestamp.Local().Format("15:04:05"), msg.Sender, msg.Content)
	}
}

func wsURL(origin, user string) string {
	ws := origin
	switch {
	case strings.HasPrefix(origin, "https://"):
		ws = "wss://" + strings.TrimPrefix(origin, "https://")
	case strings.HasPrefix(origin, "http://"):
		ws = "ws://" + strings.TrimPrefix(origin, "http://")
	}
	return ws + "/ws?username=" + user
}

func defaultLedgerPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "torb", "unread.db")
}
