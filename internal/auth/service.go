// Package auth registers and authenticates users against the backend's
// user records and issues the client session tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/observability"
)

const tokenTTL = 7 * 24 * time.Hour

// Service performs account registration and login. Uniqueness of emails
// rides on the email index records; usernames are not globally unique.
type Service struct {
	gw     backend.Gateway
	secret []byte
	now    func() time.Time
}

func NewService(gw backend.Gateway, jwtSecret string) *Service {
	return &Service{
		gw:     gw,
		secret: []byte(jwtSecret),
		now:    time.Now,
	}
}

// emailIndexEntry maps a registered email to its user id.
type emailIndexEntry struct {
	UserID string `json:"user_id"`
}

// emailKey normalizes an address for use as an index path segment.
func emailKey(email string) string {
	return strings.ReplaceAll(strings.ToLower(email), ".", ",")
}

// Register creates an account. The email must not already be indexed.
func (s *Service) Register(ctx context.Context, username, email, password string) (models.User, error) {
	span, ctx := observability.NewSpan(ctx, "auth.register")
	defer span.End()

	if err := ValidateUsername(username); err != nil {
		return models.User{}, models.NewValidationError(err.Error())
	}
	if err := ValidateEmail(email); err != nil {
		return models.User{}, models.NewValidationError(err.Error())
	}
	if err := ValidatePassword(password); err != nil {
		return models.User{}, models.NewValidationError(err.Error())
	}

	indexPath := backend.EmailIndexPath(emailKey(email))
	var existing emailIndexEntry
	err := s.gw.Read(ctx, indexPath, &existing)
	if err == nil {
		return models.User{}, models.NewConflictError("email is already registered")
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return models.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, models.NewInternalError(err)
	}

	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        strings.ToLower(email),
		PasswordHash: string(hash),
		CreatedAt:    s.now().UnixMilli(),
	}
	if err := s.gw.Write(ctx, backend.UserPath(user.ID), user); err != nil {
		span.SetError(err)
		return models.User{}, err
	}
	if err := s.gw.Write(ctx, indexPath, emailIndexEntry{UserID: user.ID}); err != nil {
		span.SetError(err)
		return models.User{}, err
	}
	span.AddAttributes(attribute.String("user.id", user.ID))
	return user, nil
}

// Login verifies the credentials and returns the user with a signed
// session token.
func (s *Service) Login(ctx context.Context, email, password string) (models.User, string, error) {
	span, ctx := observability.NewSpan(ctx, "auth.login")
	defer span.End()

	var entry emailIndexEntry
	err := s.gw.Read(ctx, backend.EmailIndexPath(emailKey(email)), &entry)
	if errors.Is(err, backend.ErrNotFound) {
		return models.User{}, "", models.NewUnauthorizedError("invalid credentials")
	}
	if err != nil {
		return models.User{}, "", err
	}

	var user models.User
	if err := s.gw.Read(ctx, backend.UserPath(entry.UserID), &user); err != nil {
		return models.User{}, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return models.User{}, "", models.NewUnauthorizedError("invalid credentials")
	}

	token, err := s.issueToken(user)
	if err != nil {
		return models.User{}, "", models.NewInternalError(err)
	}
	return user, token, nil
}

// Verify parses the token and returns the subject user id.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", models.NewUnauthorizedError("invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", models.NewUnauthorizedError("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", models.NewUnauthorizedError("token missing subject")
	}
	return sub, nil
}

func (s *Service) issueToken(user models.User) (string, error) {
	if len(s.secret) == 0 {
		return "", fmt.Errorf("JWT secret not configured")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":      user.ID,
		"username": user.Username,
		"iss":      "murmur",
		"exp":      now.Add(tokenTTL).Unix(),
		"iat":      now.Unix(),
		"nbf":      now.Unix(),
		"jti":      fmt.Sprintf("%d-%s", now.Unix(), uuid.NewString()[:8]),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
