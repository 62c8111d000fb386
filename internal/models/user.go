package models

// User is an account record kept in the backend user store.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash,omitempty"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	CreatedAt    int64  `json:"created_at"`
}

// PartnerStatus is the ephemeral presence record for a chat partner. It
// lives on the backend's live presence channel only; the on-disconnect
// hook flips Active to false when the partner's connection drops.
type PartnerStatus struct {
	Active bool `json:"active"`
	// TypingIn holds the id of the conversation the user is currently
	// typing in, or "" when idle.
	TypingIn   string `json:"typing_in,omitempty"`
	LastActive int64  `json:"last_active"`
}

// Typing reports whether the partner is typing in the given conversation.
func (s *PartnerStatus) Typing(chatID string) bool {
	return s.TypingIn != "" && s.TypingIn == chatID
}
