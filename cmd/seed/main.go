// Command main seeds a development backend with fake users and chats.
package main

import (
	"context"
	"flag"
	"log"

	"murmur/internal/backend/redisbackend"
	"murmur/internal/config"
	"murmur/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 20, "Number of users to create")
	chatsPerUser := flag.Int("chats", 3, "Conversations per user")
	messagesPerChat := flag.Int("messages", 80, "Messages per conversation")
	flag.Parse()

	log.Printf("Seeding: %d users, %d chats each, %d messages per chat", *numUsers, *chatsPerUser, *messagesPerChat)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	gw, err := redisbackend.New(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("Failed to connect to backend: %v", err)
	}
	defer func() { _ = gw.Close() }()

	ctx := context.Background()
	s := seed.NewSeeder(gw)

	users, err := s.Users(ctx, *numUsers)
	if err != nil {
		log.Fatalf("User seeding failed: %v", err)
	}
	if err := s.Mesh(ctx, users, *chatsPerUser, *messagesPerChat); err != nil {
		log.Fatalf("Conversation seeding failed: %v", err)
	}
	log.Println("Done.")
}
