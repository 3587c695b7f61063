package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/usamaa022/cashier-system-sub000/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func plainAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := plainAdminStore()

	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, _ := store.ListUsers(context.Background())
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateClerkStoresPasswordHash(t *testing.T) {
	store := plainAdminStore()
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "123456", store)

	clerk, err := manager.CreateClerk(context.Background(), domain.UserCreateRequest{Username: "Rewan", Password: "pass1234"})
	if err != nil {
		t.Fatalf("create clerk failed: %v", err)
	}
	if clerk.Username != "rewan" || clerk.Role != domain.RoleClerk {
		t.Fatalf("unexpected clerk %+v", clerk)
	}

	saved, ok := store.users["rewan"]
	if !ok {
		t.Fatalf("expected clerk to be saved")
	}
	if !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", saved.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "rewan", Password: "pass1234"})
	if err != nil {
		t.Fatalf("login with hashed clerk failed: %v", err)
	}
	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.Username != "rewan" || actor.Role != domain.RoleClerk {
		t.Fatalf("unexpected actor %+v", actor)
	}

	if _, err := manager.CreateClerk(context.Background(), domain.UserCreateRequest{Username: "rewan", Password: "other123"}); err != ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "654321", &userStoreStub{})

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestUnsetManagerPINRejectsEverything(t *testing.T) {
	manager := NewAuthManager(context.Background(), "test-secret", time.Hour, "", &userStoreStub{})
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("disabled") {
		t.Fatalf("expected validation to fail without a configured pin")
	}
}

func TestParseTokenRejectsOtherSecret(t *testing.T) {
	store := plainAdminStore()
	issuer := NewAuthManager(context.Background(), "secret-one", time.Hour, "", store)
	verifier := NewAuthManager(context.Background(), "secret-two", time.Hour, "", store)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
