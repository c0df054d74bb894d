// rtcroom — CLI entry point.
//
// Registers with a STOMP matchmaking broker, asks for a random partner and
// opens a WebRTC text chat with whoever the server pairs us with. Signaling
// runs over the broker; chat text goes peer to peer over a DataChannel.
//
// Settings come from an optional TOML file named by RTCROOM_CONFIG, then
// RTCROOM_* environment variables or a .env file, and can be overridden
// with flags (-url, -user, -pass, -topic, -minAge, -maxAge, -loopback,
// -debug). Missing broker URL or user are prompted for.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/rtcroom/internal/call"
	"github.com/1ureka/rtcroom/internal/config"
	"github.com/1ureka/rtcroom/internal/protocol"
	"github.com/1ureka/rtcroom/internal/signaling"
	"github.com/1ureka/rtcroom/internal/util"
)

var version = "dev"

const statsInterval = 10 * time.Second

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// CLI flags; defaults come from the environment.
	brokerURL := flag.String("url", cfg.BrokerURL, "Broker WebSocket URL, e.g. ws://host:8080/ws/websocket")
	user := flag.String("user", cfg.User, "Account uuid used for registration")
	pass := flag.String("pass", cfg.Pass, "Account secret used for registration")
	topic := flag.String("topic", cfg.Topic, "What you want to talk about")
	minAge := flag.Int("minAge", cfg.MinAge, "Partner birth year lower bound (0 = any)")
	maxAge := flag.Int("maxAge", cfg.MaxAge, "Partner birth year upper bound (0 = any)")
	loopback := flag.Bool("loopback", cfg.Loopback, "Loopback test mode: mirror our own offer back")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	cfg.User, cfg.Pass, cfg.Topic = *user, *pass, *topic
	cfg.MinAge, cfg.MaxAge = *minAge, *maxAge
	cfg.Loopback, cfg.Debug = *loopback, *debugMode

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("rtcroom — v%s", version))
	pterm.Println()

	if *brokerURL == "" {
		cfg.BrokerURL = askURL()
	} else if cfg.BrokerURL, err = normalizeBrokerURL(*brokerURL); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.User == "" {
		cfg.User = askText("User id")
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

// ---------------------------------------------------------------------------
// Chat loop
// ---------------------------------------------------------------------------

type outcome int

const (
	outcomeNext outcome = iota // look for another partner
	outcomeQuit
)

// run registers, then pairs and chats until the user quits or signaling
// fails.
func run(ctx context.Context, cfg *config.Config) error {
	reg := protocol.RegisterUser{
		Signature: util.NewSignature(),
		User:      protocol.Credentials{UUID: cfg.User, Pass: cfg.Pass},
	}
	client := signaling.New(signaling.ConfigFrom(cfg), reg)
	defer func() {
		client.DisconnectFromRoom()
		for range client.Events() {
		}
	}()

	client.ConnectToRoom(signaling.RoomConnectionParameters{
		RoomURL:  cfg.BrokerURL,
		Loopback: cfg.Loopback,
	})
	util.StartStatsReporter(ctx, statsInterval)

	lines := readLines(os.Stdin)
	for {
		client.SendRandomChatRequest(chatRequest(cfg, reg.Signature))
		util.LogInfo("looking for a partner... (type /quit to exit)")

		next, err := chat(ctx, client, lines)
		if err != nil {
			return err
		}
		if next == outcomeQuit {
			return nil
		}
	}
}

// chat runs one call from pairing to hang-up.
func chat(ctx context.Context, client *signaling.Client, lines <-chan string) (outcome, error) {
	sess := call.NewSession(client, call.Options{})
	sess.OnText(func(text string) {
		pterm.Println(pterm.LightCyan("partner> ") + text)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(ctx) }()

	ready := sess.Ready()
	for {
		select {
		case <-ready:
			ready = nil
			util.LogSuccess("connected to partner in room %s — say hi! (/leave, /quit)", sess.Room())

		case line, ok := <-lines:
			switch {
			case !ok || line == "/quit":
				client.SendLeaveRoomMessage()
				sess.Hangup()
				<-errCh
				return outcomeQuit, nil
			case line == "/leave":
				client.SendLeaveRoomMessage()
				sess.Hangup()
				<-errCh
				return outcomeNext, nil
			case line == "":
			default:
				if err := sess.Send(line); err != nil {
					util.LogWarning("not connected yet, message dropped")
				}
			}

		case err := <-errCh:
			switch {
			case err == nil:
				util.LogInfo("call ended")
				client.SendLeaveRoomMessage()
				return outcomeNext, nil
			case errors.Is(err, context.Canceled):
				return outcomeQuit, nil
			default:
				return outcomeQuit, err
			}

		case <-ctx.Done():
			client.SendLeaveRoomMessage()
			sess.Hangup()
			<-errCh
			return outcomeQuit, nil
		}
	}
}

func chatRequest(cfg *config.Config, signature string) protocol.RandomChatRequest {
	return protocol.RandomChatRequest{
		Signature:     signature,
		From:          cfg.User,
		Room:          cfg.RoomHint,
		TalkAbout:     cfg.Topic,
		BirthFrom:     cfg.MinAge,
		BirthTo:       cfg.MaxAge,
		ReqTimeMillis: time.Now().UnixMilli(),
	}
}

// readLines forwards stdin lines until EOF.
func readLines(f *os.File) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			out <- strings.TrimSpace(sc.Text())
		}
	}()
	return out
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeBrokerURL validates a broker address and maps http(s) to ws(s).
// A bare host gets wss and the /ws/websocket endpoint.
func normalizeBrokerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid broker URL: %s", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid broker URL scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws/websocket"
	}
	return u.String(), nil
}

// askURL prompts for a broker URL until a valid one is entered.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Broker URL (e.g. ws://localhost:8080/ws/websocket)").
			Show()

		brokerURL, err := normalizeBrokerURL(raw)
		if err == nil {
			pterm.Println()
			return brokerURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askText prompts until a non-empty value is entered.
func askText(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("value must not be empty")
	}
}
