package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/and161185/gophnotes/internal/crypto"
	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/limiter"
	"github.com/and161185/gophnotes/internal/model"
	"github.com/and161185/gophnotes/internal/repository"
)

type fakeAccounts struct {
	byName map[string]*model.Account

	createErr error
	getErr    error
}

var _ repository.AccountRepository = (*fakeAccounts)(nil)

func (f *fakeAccounts) Create(_ context.Context, a *model.Account) error {
	if f.createErr != nil {
		return f.createErr
	}
	if f.byName == nil {
		f.byName = map[string]*model.Account{}
	}
	if _, exists := f.byName[a.Username]; exists {
		return errs.ErrAlreadyExists
	}
	cpy := *a
	f.byName[a.Username] = &cpy
	return nil
}

func (f *fakeAccounts) GetByUsername(_ context.Context, username string) (*model.Account, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	a, ok := f.byName[username]
	if !ok {
		return nil, errs.ErrNotFound
	}
	c := *a
	return &c, nil
}

type fakeLimiter struct {
	allowOK  bool
	allowErr error

	failBlocked bool
	failErr     error

	successErr error

	allowCalls   int
	failureCalls int
	successCalls int
}

var _ limiter.Limiter = (*fakeLimiter)(nil)

func (l *fakeLimiter) Allow(context.Context, string, []byte) (bool, time.Duration, error) {
	l.allowCalls++
	return l.allowOK, 0, l.allowErr
}

func (l *fakeLimiter) Success(context.Context, string, []byte) error {
	l.successCalls++
	return l.successErr
}

func (l *fakeLimiter) Failure(context.Context, string, []byte) (bool, time.Duration, error) {
	l.failureCalls++
	return l.failBlocked, 0, l.failErr
}

func TestAuth_Register_Basics(t *testing.T) {
	t.Parallel()
	accounts := &fakeAccounts{}
	s := NewAuthService(accounts, []byte("k"), time.Minute, &fakeLimiter{})

	if _, err := s.Register(context.Background(), "", ""); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("want validation error on empty username/password, got %v", err)
	}

	id, err := s.Register(context.Background(), "alice", "pwd")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if id == uuid.Nil {
		t.Fatalf("nil account id")
	}
	stored := accounts.byName["alice"]
	if !pkgcrypto.VerifyPassword([]byte("pwd"), stored.SaltAuth, stored.PwdHash) {
		t.Fatalf("stored hash does not verify")
	}

	if _, err := s.Register(context.Background(), "alice", "pwd2"); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("want ErrAlreadyExists on duplicate username, got %v", err)
	}

	accounts.createErr = errors.New("boom")
	if _, err := s.Register(context.Background(), "bob", "pwd"); err == nil {
		t.Fatalf("want propagated repo error")
	}
}

func newAccount(t *testing.T, name, password string) *model.Account {
	t.Helper()
	hash, salt, err := pkgcrypto.NewPasswordHash([]byte(password))
	if err != nil {
		t.Fatalf("NewPasswordHash: %v", err)
	}
	return &model.Account{ID: uuid.Must(uuid.NewV4()), Username: name, SaltAuth: salt, PwdHash: hash}
}

func TestAuth_LoginWithIP_RateLimiterAndCreds(t *testing.T) {
	t.Parallel()

	a := newAccount(t, "alice", "correct")
	accounts := &fakeAccounts{byName: map[string]*model.Account{"alice": a}}
	lim := &fakeLimiter{allowOK: true}
	s := NewAuthService(accounts, []byte("secret"), 2*time.Minute, lim)

	lim.allowErr = errors.New("lim-err")
	if _, _, err := s.LoginWithIP(context.Background(), "alice", "correct", "1.2.3.4"); err == nil {
		t.Fatalf("want limiter error propagate")
	}
	lim.allowErr = nil

	lim.allowOK = false
	if _, _, err := s.LoginWithIP(context.Background(), "alice", "correct", "1.2.3.4"); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited, got %v", err)
	}
	lim.allowOK = true

	accounts.getErr = errs.ErrNotFound
	if _, _, err := s.LoginWithIP(context.Background(), "nope", "x", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on missing account, got %v", err)
	}
	accounts.getErr = nil

	lim.failBlocked = true
	if _, _, err := s.LoginWithIP(context.Background(), "alice", "wrong", ""); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("want ErrRateLimited on blocked after failure, got %v", err)
	}

	lim.failBlocked = false
	if _, _, err := s.LoginWithIP(context.Background(), "alice", "wrong", ""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on wrong password, got %v", err)
	}

	tok, got, err := s.LoginWithIP(context.Background(), "alice", "correct", "127.0.0.1:123")
	if err != nil {
		t.Fatalf("LoginWithIP success: %v", err)
	}
	if tok.AccessToken == "" || tok.ExpiresAt.Before(time.Now()) {
		t.Fatalf("bad token: %+v", tok)
	}
	if got.ID != a.ID {
		t.Fatalf("bad account returned: %+v", got)
	}
	if lim.successCalls == 0 {
		t.Fatalf("expected Success() to be called")
	}

	id, err := s.Authenticate(tok.AccessToken)
	if err != nil || id != a.ID {
		t.Fatalf("Authenticate: id=%s err=%v", id, err)
	}
}

func makeJWT(t *testing.T, sub string, key []byte, method jwt.SigningMethod, iat time.Time, ttl time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(iat),
		NotBefore: jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(iat.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func TestAuth_Authenticate_Rejects(t *testing.T) {
	t.Parallel()

	key := []byte("secret")
	s := NewAuthService(&fakeAccounts{}, key, time.Minute, &fakeLimiter{})
	sub := uuid.Must(uuid.NewV4()).String()
	now := time.Now().UTC()

	cases := map[string]string{
		"expired":     makeJWT(t, sub, key, jwt.SigningMethodHS256, now.Add(-2*time.Hour), time.Hour),
		"bad subject": makeJWT(t, "not-a-uuid", key, jwt.SigningMethodHS256, now, time.Hour),
		"wrong alg":   makeJWT(t, sub, key, jwt.SigningMethodHS384, now, time.Hour),
		"wrong key":   makeJWT(t, sub, []byte("other"), jwt.SigningMethodHS256, now, time.Hour),
		"garbage":     "this-is-not-a-jwt",
	}
	for name, tok := range cases {
		if _, err := s.Authenticate(tok); !errors.Is(err, errs.ErrUnauthorized) {
			t.Fatalf("%s: want ErrUnauthorized, got %v", name, err)
		}
	}
}
