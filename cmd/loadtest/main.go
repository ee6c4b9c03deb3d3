package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"go-roleplay/internal/chat"
	"go-roleplay/internal/config"
	"go-roleplay/internal/db"
	"go-roleplay/internal/domain"
	"go-roleplay/internal/user"
)

// Each pair is two users with one persona each, sharing one conversation.
// Both sides send while listening for the other's notifications.

type pair struct {
	a, b         participant
	conversation int64
}

type participant struct {
	userID    int64
	username  string
	personaID int64
}

type stats struct {
	sent     atomic.Int64
	notified atomic.Int64
	errors   atomic.Int64
}

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	pairs := flag.Int("pairs", 50, "number of conversation pairs")
	messages := flag.Int("messages", 20, "messages per user")
	interval := flag.Duration("interval", 10*time.Millisecond, "pause between sends")
	settle := flag.Duration("settle", 2*time.Second, "time to wait for trailing notifications")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		slog.Error("migrating", "error", err)
		os.Exit(1)
	}

	tokens := user.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	slog.Info("starting load test", "users", *pairs*2, "messages_per_user", *messages)
	started := time.Now()

	var st stats
	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		p, err := seedPair(ctx, database.Pool, i)
		if err != nil {
			slog.Error("seeding pair", "pair", i, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runPair(ctx, tokens, *wsURL, p, *messages, *interval, *settle, &st)
		}()
	}
	wg.Wait()

	sent, notified := st.sent.Load(), st.notified.Load()
	slog.Info("load test complete",
		"elapsed", time.Since(started).Round(time.Millisecond),
		"sent", sent,
		"notified", notified,
		"errors", st.errors.Load(),
		"delivery_ratio", fmt.Sprintf("%.3f", ratio(notified, sent)),
	)
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return 0
	}
	return float64(a) / float64(b)
}

func seedPair(ctx context.Context, q db.Querier, n int) (pair, error) {
	var p pair
	var err error
	if p.a, err = seedParticipant(ctx, q, fmt.Sprintf("lt_%d_a", n)); err != nil {
		return p, err
	}
	if p.b, err = seedParticipant(ctx, q, fmt.Sprintf("lt_%d_b", n)); err != nil {
		return p, err
	}

	err = q.QueryRow(ctx, `INSERT INTO conversations (title) VALUES ($1) RETURNING id`,
		fmt.Sprintf("load test %d", n)).Scan(&p.conversation)
	if err != nil {
		return p, fmt.Errorf("creating conversation: %w", err)
	}
	for _, personaID := range []int64{p.a.personaID, p.b.personaID} {
		if _, err := q.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, persona_id) VALUES ($1, $2)`,
			p.conversation, personaID); err != nil {
			return p, fmt.Errorf("adding participant: %w", err)
		}
	}
	return p, nil
}

func seedParticipant(ctx context.Context, q db.Querier, username string) (participant, error) {
	pt := participant{username: username}
	err := q.QueryRow(ctx, `
		INSERT INTO users (username) VALUES ($1)
		ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
		RETURNING id`, username).Scan(&pt.userID)
	if err != nil {
		return pt, fmt.Errorf("creating user %s: %w", username, err)
	}
	err = q.QueryRow(ctx,
		`INSERT INTO personas (user_id, name, is_active) VALUES ($1, $2, true) RETURNING id`,
		pt.userID, username+"_persona").Scan(&pt.personaID)
	if err != nil {
		return pt, fmt.Errorf("creating persona for %s: %w", username, err)
	}
	return pt, nil
}

func runPair(ctx context.Context, tokens *user.TokenService, wsURL string, p pair, messages int, interval, settle time.Duration, st *stats) {
	g, ctx := errgroup.WithContext(ctx)
	for _, pt := range []participant{p.a, p.b} {
		g.Go(func() error {
			return chatAs(ctx, tokens, wsURL, pt, p.conversation, messages, interval, settle, st)
		})
	}
	if err := g.Wait(); err != nil {
		st.errors.Add(1)
		slog.Warn("pair failed", "conversation", p.conversation, "error", err)
	}
}

func chatAs(ctx context.Context, tokens *user.TokenService, wsURL string, pt participant, conversation int64, messages int, interval, settle time.Duration, st *stats) error {
	token, err := tokens.Issue(pt.userID, pt.username)
	if err != nil {
		return err
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing as %s: %w", pt.username, err)
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f chat.Frame
			if json.Unmarshal(data, &f) != nil {
				continue
			}
			switch f.Type {
			case chat.FrameNewMessage:
				st.notified.Add(1)
			case chat.FrameError:
				st.errors.Add(1)
				slog.Debug("server error frame", "user", pt.username, "op", f.Op, "message", f.Message)
			}
		}
	}()

	if err := conn.WriteJSON(chat.Command{Type: chat.CmdSetActivePersona, PersonaID: pt.personaID}); err != nil {
		return err
	}
	// Registration is acknowledged server side only; give it a moment.
	time.Sleep(500 * time.Millisecond)

	for i := 0; i < messages; i++ {
		err := conn.WriteJSON(chat.Command{
			Type:        chat.CmdSend,
			Kind:        domain.KindConversation,
			ContainerID: conversation,
			Content:     fmt.Sprintf("load test message %d from %s", i, pt.username),
		})
		if err != nil {
			return fmt.Errorf("sending as %s: %w", pt.username, err)
		}
		st.sent.Add(1)
		time.Sleep(interval)
	}

	time.Sleep(settle)
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-readDone:
	case <-time.After(time.Second):
	}
	return nil
}
