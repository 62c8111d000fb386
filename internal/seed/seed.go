// Package seed populates a development backend with fake accounts and
// conversation history.
package seed

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"

	"murmur/internal/backend"
	"murmur/internal/models"
)

// Password is the shared credential for every seeded account.
const Password = "SeededPass12!"

// Seeder writes fake data through the gateway.
type Seeder struct {
	gw  backend.Gateway
	rnd *rand.Rand
}

func NewSeeder(gw backend.Gateway) *Seeder {
	gofakeit.Seed(time.Now().UnixNano())
	return &Seeder{
		gw:  gw,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Users creates n accounts with bcrypt-hashed passwords and returns them.
func (s *Seeder) Users(ctx context.Context, n int) ([]models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	users := make([]models.User, 0, n)
	for i := 0; i < n; i++ {
		username := fmt.Sprintf("%s_%s%d", strings.ToLower(gofakeit.FirstName()), strings.ToLower(gofakeit.LastName()), i)
		user := models.User{
			ID:           gofakeit.UUID(),
			Username:     username,
			Email:        fmt.Sprintf("%s@example.com", username),
			PasswordHash: string(hash),
			AvatarURL:    fmt.Sprintf("https://picsum.photos/seed/%s/200/200", username),
			CreatedAt:    time.Now().UnixMilli(),
		}
		if err := s.gw.Write(ctx, backend.UserPath(user.ID), user); err != nil {
			return nil, err
		}
		emailKey := strings.ReplaceAll(user.Email, ".", ",")
		err := s.gw.Write(ctx, backend.EmailIndexPath(emailKey), map[string]any{"user_id": user.ID})
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	log.Printf("Seeded %d users (password %q)", len(users), Password)
	return users, nil
}

// Conversation creates the chat between a and b with count historical
// messages spread backwards over the past week. Timestamps are explicit
// so history paging has real windows to walk.
func (s *Seeder) Conversation(ctx context.Context, a, b models.User, count int) (string, error) {
	chatID := models.ConversationID(a.ID, b.ID)
	participants := []string{a.ID, b.ID}

	start := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()
	step := (time.Now().UnixMilli() - start) / int64(count+1)

	var lastText string
	var lastSender string
	ts := start
	for i := 0; i < count; i++ {
		sender := a
		if s.rnd.Intn(2) == 1 {
			sender = b
		}
		ts += step + s.rnd.Int63n(step/2+1)
		msg := models.Message{
			ChatID:    chatID,
			SenderID:  sender.ID,
			Text:      gofakeit.Sentence(s.rnd.Intn(12) + 2),
			Read:      true,
			Timestamp: ts,
		}
		if _, err := s.gw.Push(ctx, backend.ChatMessagesPath(chatID), msg); err != nil {
			return "", err
		}
		lastText, lastSender = msg.Text, msg.SenderID
	}

	err := s.gw.Write(ctx, backend.ChatMetaPath(chatID), map[string]any{
		"id":           chatID,
		"participants": participants,
		"last_message": map[string]any{
			"text":      lastText,
			"sender_id": lastSender,
			"timestamp": ts,
		},
		"updated_at": ts,
	})
	if err != nil {
		return "", err
	}
	for _, uid := range participants {
		err := s.gw.Write(ctx, backend.UserChatsPath(uid)+"/"+chatID, map[string]any{
			"chat_id":   chatID,
			"timestamp": ts,
		})
		if err != nil {
			return "", err
		}
	}
	return chatID, nil
}

// Mesh pairs every user with a few random partners.
func (s *Seeder) Mesh(ctx context.Context, users []models.User, chatsPerUser, messagesPerChat int) error {
	for _, u := range users {
		for c := 0; c < chatsPerUser; c++ {
			partner := users[s.rnd.Intn(len(users))]
			if partner.ID == u.ID {
				continue
			}
			if _, err := s.Conversation(ctx, u, partner, messagesPerChat); err != nil {
				return err
			}
		}
	}
	return nil
}
