package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/crypto/bcrypt"
)

const (
	roleAdmin    = "admin"
	roleOperator = "operator"
	roleViewer   = "viewer"
)

const (
	actionRead      = "read"
	actionRunState  = "run-state"
	actionConfigure = "configure"
	actionRegister  = "register"
)

var (
	errBadCredentials = errors.New("invalid credentials")
	errBadToken       = errors.New("invalid token")
)

type operatorsFile struct {
	Operators []*operatorSpec `toml:"operator"`
}

type operatorSpec struct {
	Name         string `toml:"name"`
	Role         string `toml:"role"`
	PasswordHash string `toml:"passwordhash"` // bcrypt, see `ensctl hashpw`
}

// roleAllows decides whether a role may take an action. Reads are open
// to every authenticated operator; only admins touch configuration and
// fleet membership.
func roleAllows(role, action string) bool {
	switch role {
	case roleAdmin:
		return true
	case roleOperator:
		return action == actionRead || action == actionRunState
	case roleViewer:
		return action == actionRead
	}
	return false
}

// authenticator checks operator credentials against the operators file
// and mints bearer tokens. The file is read once at startup and the
// resulting set is immutable.
type authenticator struct {
	secret    []byte
	tokenTTL  time.Duration
	operators map[string]*operatorSpec
}

func newAuthenticator(file string, secret []byte) (*authenticator, error) {
	conf := &operatorsFile{}
	if _, err := toml.DecodeFile(file, conf); err != nil {
		return nil, fmt.Errorf("reading operators file: %w", err)
	}

	a := &authenticator{
		secret:    secret,
		tokenTTL:  time.Hour * 12,
		operators: map[string]*operatorSpec{},
	}
	for _, op := range conf.Operators {
		if op.Name == "" {
			return nil, errors.New("operator with empty name")
		}
		if op.Role != roleAdmin && op.Role != roleOperator && op.Role != roleViewer {
			return nil, fmt.Errorf("operator %q has unknown role %q", op.Name, op.Role)
		}
		if _, ok := a.operators[op.Name]; ok {
			return nil, fmt.Errorf("operator %q declared twice", op.Name)
		}
		a.operators[op.Name] = op
	}
	return a, nil
}

func (a *authenticator) Login(name, password string) (string, error) {
	op := a.operators[name]
	if op == nil || bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)) != nil {
		return "", errBadCredentials
	}

	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   op.Name,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses the token and resolves it back to the operators file,
// so removing an operator or changing their role takes effect without
// waiting out the token's expiry.
func (a *authenticator) Verify(token string) (*operatorSpec, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, errBadToken
	}

	op := a.operators[claims.Subject]
	if op == nil {
		return nil, errBadToken
	}
	return op, nil
}

// withOperator rejects requests whose bearer token does not resolve to
// an operator allowed to take the action: 401 without a valid token,
// 403 when the role falls short.
func withOperator(auth *authenticator, action string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			w.WriteHeader(401)
			return
		}

		op, err := auth.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			w.WriteHeader(401)
			return
		}
		if !roleAllows(op.Role, action) {
			w.WriteHeader(403)
			return
		}

		// Same trick as rpc.WithAuth: smuggle the caller's identity to
		// handlers through the query string instead of a context value.
		// Set overwrites, so clients can't plant their own.
		q := r.URL.Query()
		q.Set("operator", op.Name)
		r.URL.RawQuery = q.Encode()

		next(w, r, ps)
	}
}
