package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	tokenIssuer      = "blockstack"
	tokenTTL         = 7 * 24 * time.Hour
	secretSetting    = "jwt_secret"
	minPasswordLen   = 4
	loginRateWindow  = time.Minute
	maxLoginAttempts = 10
	maxTrackedIPs    = 1024
)

var (
	ErrNoAccounts      = errors.New("accounts are disabled on this server")
	ErrBadUsername     = errors.New("username must be 2-16 letters, digits, '_' or '-'")
	ErrShortPassword   = fmt.Errorf("password must be at least %d characters", minPasswordLen)
	ErrUsernameTaken   = errors.New("username already taken")
	ErrBadCredentials  = errors.New("invalid username or password")
	ErrTooManyAttempts = errors.New("too many login attempts, try again later")
	ErrBadToken        = errors.New("invalid token")
)

// Account names have no spaces, so they never collide with the numbered
// names a lobby hands out to members who join without one.
var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{2,16}$`)

// Account is a signed-in member. Its ID is attached to the lobby seat and
// is what results are recorded against; the zero Account is a guest.
type Account struct {
	ID       int64
	Username string
}

// Guest reports whether a is the zero account.
func (a Account) Guest() bool {
	return a.ID == 0
}

// accountClaims is the token payload; the subject carries the account id.
type accountClaims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Auth registers accounts and issues and checks their tokens. Without a
// database every account operation fails with ErrNoAccounts and members
// play as guests.
type Auth struct {
	db     *DB
	secret []byte
	cost   int
	now    func() time.Time

	mu       sync.Mutex
	attempts map[string]*loginWindow // by remote address
}

type loginWindow struct {
	count int
	reset time.Time
}

// NewAuth creates the account service. A non-empty secret overrides the
// signing key kept in the database.
func NewAuth(db *DB, secret string) *Auth {
	key := []byte(secret)
	if secret == "" {
		key = signingKey(db)
	}
	return &Auth{
		db:       db,
		secret:   key,
		cost:     12,
		now:      time.Now,
		attempts: make(map[string]*loginWindow),
	}
}

// signingKey loads the token key from settings, creating and storing one on
// first use so that tokens survive restarts.
func signingKey(db *DB) []byte {
	if db != nil {
		if b, err := hex.DecodeString(db.GetSetting(secretSetting)); err == nil && len(b) == 32 {
			return b
		}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting(secretSetting, hex.EncodeToString(key)); err != nil {
			log.Printf("auth: could not persist signing key: %v", err)
		}
	}
	return key
}

// Register creates an account and signs it in.
func (a *Auth) Register(username, password string) (Account, string, error) {
	username = strings.TrimSpace(username)
	if !usernameRe.MatchString(username) {
		return Account{}, "", ErrBadUsername
	}
	if len(password) < minPasswordLen {
		return Account{}, "", ErrShortPassword
	}
	if a.db == nil {
		return Account{}, "", ErrNoAccounts
	}

	existing, err := a.db.AccountByName(username)
	if err != nil {
		log.Printf("auth: register %s: %v", username, err)
		return Account{}, "", errors.New("database error")
	}
	if existing != nil {
		return Account{}, "", ErrUsernameTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return Account{}, "", err
	}
	id, err := a.db.CreateAccount(username, string(hash))
	if err != nil {
		log.Printf("auth: register %s: %v", username, err)
		return Account{}, "", errors.New("failed to create account")
	}

	acct := Account{ID: id, Username: username}
	token, err := a.issue(acct)
	return acct, token, err
}

// Login checks a password and signs the account in. Attempts are limited
// per remote address.
func (a *Auth) Login(username, password, ip string) (Account, string, error) {
	if !a.allowLogin(ip) {
		return Account{}, "", ErrTooManyAttempts
	}
	if a.db == nil {
		return Account{}, "", ErrNoAccounts
	}
	row, err := a.db.AccountByName(strings.TrimSpace(username))
	if err != nil {
		log.Printf("auth: login %s: %v", username, err)
		return Account{}, "", errors.New("database error")
	}
	if row == nil || row.PassHash == "" {
		return Account{}, "", ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(row.PassHash), []byte(password)) != nil {
		return Account{}, "", ErrBadCredentials
	}

	acct := Account{ID: row.ID, Username: row.Username}
	token, err := a.issue(acct)
	return acct, token, err
}

// Verify resumes an account from a token. With a database the account must
// still exist, so results are never recorded against a removed id.
func (a *Auth) Verify(token string) (Account, error) {
	var claims accountClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || id <= 0 {
		return Account{}, ErrBadToken
	}

	acct := Account{ID: id, Username: claims.Username}
	if a.db == nil {
		return acct, nil
	}
	row, err := a.db.AccountByID(id)
	if err != nil {
		return Account{}, err
	}
	if row == nil {
		return Account{}, ErrBadToken
	}
	acct.Username = row.Username
	return acct, nil
}

func (a *Auth) issue(acct Account) (string, error) {
	now := a.now()
	claims := accountClaims{
		Username: acct.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(acct.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// allowLogin counts an attempt from ip in its current window.
func (a *Auth) allowLogin(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	w, ok := a.attempts[ip]
	if !ok || now.After(w.reset) {
		if len(a.attempts) >= maxTrackedIPs {
			for k, old := range a.attempts {
				if now.After(old.reset) {
					delete(a.attempts, k)
				}
			}
		}
		a.attempts[ip] = &loginWindow{count: 1, reset: now.Add(loginRateWindow)}
		return true
	}
	w.count++
	return w.count <= maxLoginAttempts
}
