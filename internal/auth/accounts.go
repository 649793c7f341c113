package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"rollcall/internal/store"
)

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("invalid email or password")
	ErrInvalidAccount = errors.New("invalid account")
)

// MinPasswordLength applies to new accounts.
const MinPasswordLength = 8

// User is an operator account. The email is the owner namespace.
type User struct {
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Accounts stores users in the users collection.
type Accounts struct {
	store store.Store
	log   zerolog.Logger
	mu    sync.Mutex
}

// NewAccounts builds an account service over s.
func NewAccounts(s store.Store, log zerolog.Logger) *Accounts {
	return &Accounts{store: s, log: log.With().Str("component", "accounts").Logger()}
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates an account with a bcrypt password hash.
func (a *Accounts) Register(ctx context.Context, email, password, role string) (User, error) {
	email = NormalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return User{}, fmt.Errorf("%w: email %q", ErrInvalidAccount, email)
	}
	if len(password) < MinPasswordLength {
		return User{}, fmt.Errorf("%w: password shorter than %d characters", ErrInvalidAccount, MinPasswordLength)
	}
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleAdmin {
		return User{}, fmt.Errorf("%w: role %q", ErrInvalidAccount, role)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	existing, err := a.Get(ctx, email)
	if err != nil {
		return User{}, err
	}
	if existing != nil {
		return User{}, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	u := User{Email: email, PasswordHash: string(hash), Role: role, CreatedAt: time.Now().UTC()}
	doc, err := json.Marshal(u)
	if err != nil {
		return User{}, err
	}
	rec := store.Record{Key: email, Indexes: map[string]string{"role": role}, Doc: doc}
	if err := a.store.Put(ctx, store.Users, rec); err != nil {
		return User{}, fmt.Errorf("put user %s: %w", email, err)
	}
	a.log.Info().Str("email", email).Str("role", role).Msg("account registered")
	return u, nil
}

// Authenticate checks a password and returns the account.
func (a *Accounts) Authenticate(ctx context.Context, email, password string) (User, error) {
	u, err := a.Get(ctx, NormalizeEmail(email))
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}
	return *u, nil
}

// Get returns nil, nil for an unknown email.
func (a *Accounts) Get(ctx context.Context, email string) (*User, error) {
	doc, found, err := a.store.Get(ctx, store.Users, NormalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !found {
		return nil, nil
	}
	var u User
	if err := json.Unmarshal(doc, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &u, nil
}

// Emails lists every registered address.
func (a *Accounts) Emails(ctx context.Context) ([]string, error) {
	docs, err := a.store.GetAll(ctx, store.Users)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		var u User
		if err := json.Unmarshal(doc, &u); err == nil {
			out = append(out, u.Email)
		}
	}
	sort.Strings(out)
	return out, nil
}
