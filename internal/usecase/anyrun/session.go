package anyrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"anyrun/internal/domain"
)

// Caller is the request surface of a live connection.
type Caller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	CallFirstRecord(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(ctx context.Context, name string, params ...any) ([]json.RawMessage, error)
}

// Session holds the login token of one connection.
type Session struct {
	mu     sync.Mutex // held across the login round trip
	token  string
	caller Caller
	logger *slog.Logger
}

// NewSession creates a logged-out session on caller.
func NewSession(caller Caller, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{caller: caller, logger: logger}
}

type loginParams struct {
	User struct {
		Email string `json:"email"`
	} `json:"user"`
	Password struct {
		Digest    string `json:"digest"`
		Algorithm string `json:"algorithm"`
	} `json:"password"`
}

type userRecord struct {
	Services struct {
		Resume struct {
			LoginTokens []struct {
				HashedToken string `json:"hashedToken"`
			} `json:"loginTokens"`
		} `json:"resume"`
	} `json:"services"`
}

// Login authenticates with email and password and returns the login token.
// The password leaves the process only as its SHA-256 digest. When a token
// is already held Login returns it without a round trip; concurrent calls
// serialize so at most one login request is in flight.
func (s *Session) Login(ctx context.Context, email, password string) (string, error) {
	if email == "" || password == "" {
		return "", domain.NewDomainError("Session.Login", domain.ErrInvalidInput, "email and password are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" {
		return s.token, nil
	}

	sum := sha256.Sum256([]byte(password))
	var p loginParams
	p.User.Email = email
	p.Password.Digest = hex.EncodeToString(sum[:])
	p.Password.Algorithm = "sha-256"

	raw, err := s.caller.CallFirstRecord(ctx, "login", p)
	if err != nil {
		return "", domain.WrapOp("Session.Login", fmt.Errorf("%w: %w", domain.ErrAuth, err))
	}

	var user userRecord
	if err := json.Unmarshal(raw, &user); err != nil {
		return "", domain.NewDomainError("Session.Login", domain.ErrAuth, "malformed user record")
	}
	tokens := user.Services.Resume.LoginTokens
	if len(tokens) == 0 || tokens[len(tokens)-1].HashedToken == "" {
		return "", domain.NewDomainError("Session.Login", domain.ErrAuth, "user record carries no login token")
	}

	// The newest token is last.
	s.token = tokens[len(tokens)-1].HashedToken
	s.logger.Info("logged in", "email", email)
	return s.token, nil
}

// Logout ends the login session. It is a no-op when no token is held.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == "" {
		return nil
	}
	if _, err := s.caller.Call(ctx, "logout", nil); err != nil {
		return domain.WrapOp("Session.Logout", err)
	}
	s.token = ""
	s.logger.Info("logged out")
	return nil
}

// Token returns the held login token, or "".
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}
