// Package main is the terminal chat client: sign in (or register), open
// a conversation and talk.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"murmur/internal/auth"
	"murmur/internal/backend/redisbackend"
	"murmur/internal/chat"
	"murmur/internal/config"
	"murmur/internal/featureflags"
	"murmur/internal/models"
	"murmur/internal/observability"
	"murmur/internal/session"
	"murmur/internal/uploads"
)

func main() {
	var (
		email    = flag.String("email", "", "account email")
		password = flag.String("password", "", "account password")
		register = flag.Bool("register", false, "create the account first")
		username = flag.String("username", "", "username for -register")
		partner  = flag.String("partner", "", "user id to chat with")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "murmur",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.TracingEnabled,
		Exporter:       cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplerRatio:   1.0,
	})
	if err != nil {
		log.Fatalf("Failed to init tracing: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				observability.GlobalLogger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	gw, err := redisbackend.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("Failed to connect to backend: %v", err)
	}
	defer func() { _ = gw.Close() }()

	authSvc := auth.NewService(gw, cfg.JWTSecret)

	if *register {
		if _, err := authSvc.Register(ctx, *username, *email, *password); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
		fmt.Println("Account created.")
	}

	user, token, err := authSvc.Login(ctx, *email, *password)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	if _, err := authSvc.Verify(token); err != nil {
		log.Fatalf("Token verification failed: %v", err)
	}

	flags := featureflags.NewManager(cfg.FeatureFlags)

	sess, err := session.New(ctx, gw, user,
		session.WithPageSize(cfg.PageSize),
		session.WithTypingDecay(cfg.TypingDecay),
		session.WithFlags(flags),
	)
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	defer func() { _ = sess.Logout(context.Background()) }()

	if *partner == "" {
		listChats(ctx, sess)
		return
	}

	if err := runRoom(ctx, sess, *partner); err != nil {
		log.Fatalf("Chat failed: %v", err)
	}
}

func listChats(ctx context.Context, sess *session.Session) {
	convs, err := sess.Chats(ctx)
	if err != nil {
		log.Fatalf("Failed to list chats: %v", err)
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet. Pass -partner <user id> to start one.")
		return
	}
	for _, c := range convs {
		line := c.Partner(sess.User().ID)
		if c.LastMessage != nil {
			line += ": " + c.LastMessage.Text
		}
		fmt.Println(line)
	}
}

func runRoom(ctx context.Context, sess *session.Session, partnerID string) error {
	chatID, err := sess.CreateChat(ctx, partnerID)
	if err != nil {
		return err
	}
	room, err := sess.OpenRoom(ctx, chatID)
	if err != nil {
		return err
	}
	defer room.Close()

	room.OnChange(func() {
		render(room.Timeline(), sess.User().ID)
	})

	cancelWatch, err := sess.WatchPartner(ctx, partnerID, func(st models.PartnerStatus) {
		switch {
		case st.Typing(chatID):
			fmt.Println("* partner is typing...")
		case st.Active:
			fmt.Println("* partner is online")
		default:
			fmt.Println("* partner is offline")
		}
	}, nil)
	if err != nil {
		return err
	}
	defer cancelWatch()

	render(room.Timeline(), sess.User().ID)
	fmt.Println(`Commands: /older, /send-file <path>, /retry <id>, /quit`)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, sess, room, chatID, line); err != nil {
				if err == errQuit {
					return nil
				}
				fmt.Println("! " + err.Error())
			}
		}
	}
}

var errQuit = fmt.Errorf("quit")

func handleLine(ctx context.Context, sess *session.Session, room *chat.Room, chatID, line string) error {
	switch {
	case line == "/quit":
		return errQuit
	case line == "/older":
		added, err := room.LoadOlder(ctx)
		if err != nil {
			return err
		}
		if !added {
			fmt.Println("* no older messages")
		}
		return nil
	case strings.HasPrefix(line, "/retry "):
		return room.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry ")))
	case strings.HasPrefix(line, "/send-file "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/send-file "))
		att, data, err := uploads.Describe(path)
		if err != nil {
			return err
		}
		return room.Send(ctx, "", att, data, nil)
	case line == "":
		room.SetInput("")
		return nil
	default:
		room.SetInput(line)
		if err := room.Send(ctx, line, nil, nil, nil); err != nil {
			return err
		}
		room.SetInput("")
		return sess.MarkMessagesAsRead(ctx, chatID, room.Messages())
	}
}

func render(entries []models.TimelineEntry, userID string) {
	fmt.Println(strings.Repeat("-", 40))
	for _, e := range entries {
		if e.Kind == models.EntryDaySeparator {
			fmt.Printf("-- %s --\n", e.Label)
			continue
		}
		m := e.Message
		who := "them"
		if m.IsMine(userID) {
			who = "me"
		}
		text := m.Text
		if m.Attachment != nil {
			text = fmt.Sprintf("[%s] %s", m.Attachment.Kind, m.Attachment.Name)
			if m.Status == models.StatusPending && m.UploadProgress > 0 {
				text += fmt.Sprintf(" (%d%%)", m.UploadProgress)
			}
		}
		marker := ""
		switch m.Status {
		case models.StatusPending:
			marker = " ..."
		case models.StatusFailed:
			marker = " !! " + m.FailureReason + " (/retry " + m.ID + ")"
		}
		fmt.Printf("%s: %s%s\n", who, text, marker)
	}
}
