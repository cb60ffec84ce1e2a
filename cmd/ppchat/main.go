// ppchat 终端客户端：收发消息、多开协调、语音/视频信令
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"PPRealtime/logger"
	"PPRealtime/protocol"
	"PPRealtime/sdk/call"
	"PPRealtime/sdk/client"
	"PPRealtime/sdk/eventbus"
	"PPRealtime/sdk/tabs"
	redisSrv "PPRealtime/service/storage/redis"
	"PPRealtime/tools"
	"PPRealtime/tools/errs"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

func main() {
	url := flag.String("url", tools.GetEnv("PPCHAT_URL", "ws://127.0.0.1:8080/ws"), "gateway websocket url")
	token := flag.String("token", os.Getenv("PPCHAT_TOKEN"), "bearer token")
	chatID := flag.String("chat", "", "chat to send plain lines to")
	outbox := flag.String("outbox", tools.GetEnv("PPCHAT_OUTBOX", ""), "persist offline queue to this file")
	redisAddr := flag.String("tabs-redis", tools.GetEnv("PPCHAT_TABS_REDIS", ""), "share tab election through redis")
	profile := flag.String("profile", tools.GetEnv("PPCHAT_PROFILE", "default"), "processes with the same profile elect one socket holder")
	stun := flag.String("stun", tools.GetEnv("PPCHAT_STUN", "stun:stun.l.google.com:19302"), "stun server for calls")
	queueCap := flag.Int("queue", tools.GetEnvInt("PPCHAT_QUEUE", 500), "max envelopes buffered while offline")
	verbose := flag.Bool("v", tools.GetEnvBool("PPCHAT_VERBOSE", false), "debug logging")
	flag.Parse()

	level := tools.GetEnv("PPCHAT_LOG", "warn")
	if *verbose {
		level = "debug"
	}
	logger.Init(level)
	defer logger.Sync()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "token required (-token or $PPCHAT_TOKEN)")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ===== 多开协调 =====
	var ch tabs.BroadcastChannel = tabs.NewMemoryChannel()
	if *redisAddr != "" {
		rdb, err := redisSrv.NewClient(ctx, redisSrv.Config{Addr: *redisAddr})
		if err != nil {
			logger.Error("[ppchat] redis", zap.Error(err))
			os.Exit(1)
		}
		defer rdb.Close()
		ch = tabs.NewRedisChannel(rdb, *profile)
	}
	coord := tabs.New(ch, tabs.Options{})

	// ===== 连接 =====
	opts := client.Options{
		URL:           *url,
		TokenProvider: client.StaticToken(*token),
		Coordinator:   coord,
		QueueCap:      *queueCap,
	}
	if *outbox != "" {
		opts.QueueStore = client.FileQueueStore{Path: filepath.Clean(*outbox)}
	}
	cli, err := client.New(opts)
	if err != nil {
		logger.Error("[ppchat] client", zap.Error(err))
		os.Exit(1)
	}

	calls, err := call.NewManager(call.Options{
		Signaler: cli,
		NewPeer:  call.NewPionFactory(webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: []string{*stun}}}}),
	})
	if err != nil {
		logger.Error("[ppchat] call manager", zap.Error(err))
		os.Exit(1)
	}
	defer calls.Bind(cli.On)()

	printEvents(cli, calls)

	if err := coord.Start(ctx); err != nil {
		logger.Warn("[ppchat] tab coordinator", zap.Error(err))
	}
	defer coord.Stop()
	cli.Start(ctx)
	defer cli.Close()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := handleLine(ctx, cli, calls, *chatID, strings.TrimSpace(line)); err != nil {
				fmt.Println("!", err)
			}
		}
	}
}

func handleLine(ctx context.Context, cli *client.Client, calls *call.Manager, chatID, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if chatID == "" {
			return errs.New("no -chat given, use /msg <chat> <text>")
		}
		return sendMessage(ctx, cli, chatID, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case "/msg":
		to, text, _ := strings.Cut(rest, " ")
		return sendMessage(ctx, cli, to, text)
	case "/typing":
		return cli.SendTyping(ctx, chatID, true)
	case "/call", "/video":
		sess, err := calls.StartCall(ctx, strings.TrimSpace(rest), cmd == "/video")
		if err == nil {
			fmt.Println("calling", sess.PartnerID, "...")
		}
		return err
	case "/accept":
		return calls.AcceptCall(ctx)
	case "/reject":
		return calls.RejectCall(ctx)
	case "/hangup":
		return calls.HangUp(ctx)
	case "/reconnect":
		cli.Reconnect()
		return nil
	case "/state":
		s, _ := calls.Session()
		fmt.Printf("socket=%s queued=%d call=%s\n", cli.State(), cli.QueueLen(), s.State)
		return nil
	}
	return errs.New("unknown command", "cmd", cmd)
}

func sendMessage(ctx context.Context, cli *client.Client, chatID, text string) error {
	id, err := cli.SendMessage(ctx, chatID, text)
	if err != nil {
		return err
	}
	fmt.Println("✓", id)
	return nil
}

func printEvents(cli *client.Client, calls *call.Manager) {
	cli.On(eventbus.ForType(protocol.TypeMessage), func(ev eventbus.Event) {
		e := ev.Envelope
		fmt.Printf("[%s] %s: %s\n", e.ChatID, e.SenderID, e.Content)
	})
	cli.On(eventbus.ForType(protocol.TypePresence), func(ev eventbus.Event) {
		fmt.Printf("* %s is %s\n", ev.Envelope.UserID, ev.Envelope.Status)
	})
	cli.On(eventbus.ForType(protocol.TypeFriendRequest), func(ev eventbus.Event) {
		fmt.Printf("* friend request from %s\n", ev.Envelope.SenderID)
	})
	cli.On(eventbus.StateChanged, func(ev eventbus.Event) {
		fmt.Println("~", ev.Data.(client.StateChange).To)
	})
	cli.On(eventbus.AuthFailure, func(ev eventbus.Event) {
		fmt.Println("! auth failed, close code", ev.Data)
	})
	cli.On(eventbus.ReconnectExhausted, func(eventbus.Event) {
		fmt.Println("! gave up reconnecting, /reconnect to retry")
	})
	calls.On(eventbus.CallStateChanged, func(ev eventbus.Event) {
		c := ev.Data.(call.StateChange)
		if c.To == call.StateIncoming {
			fmt.Printf("☎ %s is calling (video=%v), /accept or /reject\n", c.Session.PartnerID, c.Session.IsVideo)
			return
		}
		fmt.Println("☎", c.To)
	})
	calls.On(eventbus.CallFailed, func(ev eventbus.Event) {
		fmt.Println("! call failed:", ev.Err)
	})
}
