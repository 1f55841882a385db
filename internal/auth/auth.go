package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoCredentials      = errors.New("no credentials")
)

// Role grants an access level on the control surface.
type Role string

const (
	RoleAdmin  Role = "admin"  // read and write
	RoleViewer Role = "viewer" // read only
)

// Action is what a request does to the control surface.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// User is a basic-auth principal whose password is stored as a bcrypt hash.
type User struct {
	Username     string `mapstructure:"username" json:"username"`
	PasswordHash string `mapstructure:"password_hash" json:"-"`
	Role         Role   `mapstructure:"role" json:"role"`
}

// APIToken is a static bearer token.
type APIToken struct {
	Name  string `mapstructure:"name" json:"name"`
	Token string `mapstructure:"token" json:"-"`
	Role  Role   `mapstructure:"role" json:"role"`
}

// Config lists the credentials the gate accepts. With none configured the
// gate lets every request through.
type Config struct {
	Users     []User        `mapstructure:"users"`
	Tokens    []APIToken    `mapstructure:"tokens"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Method string `json:"method"` // basic, token or jwt
}

// Can reports whether p may perform a.
func (p Principal) Can(a Action) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleViewer:
		return a == ActionRead
	}
	return false
}

// Gate authenticates requests against the configured credentials.
type Gate struct {
	users  map[string]User
	tokens []APIToken
	jwt    *issuer
}

// New validates cfg and builds a Gate.
func New(cfg Config) (*Gate, error) {
	g := &Gate{users: make(map[string]User)}
	for _, u := range cfg.Users {
		if strings.TrimSpace(u.Username) == "" {
			return nil, errors.New("auth: user without username")
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %s: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		if _, dup := g.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %s", u.Username)
		}
		u.Role = defaultRole(u.Role)
		if err := checkRole(u.Role); err != nil {
			return nil, err
		}
		g.users[u.Username] = u
	}
	for _, t := range cfg.Tokens {
		if len(t.Token) < 16 {
			return nil, fmt.Errorf("auth: token %q is shorter than 16 characters", t.Name)
		}
		t.Role = defaultRole(t.Role)
		if err := checkRole(t.Role); err != nil {
			return nil, err
		}
		g.tokens = append(g.tokens, t)
	}
	if cfg.JWTSecret != "" {
		if len(g.users) == 0 {
			return nil, errors.New("auth: jwt_secret set but no users can log in")
		}
		g.jwt = newIssuer([]byte(cfg.JWTSecret), cfg.TokenTTL)
	}
	return g, nil
}

func defaultRole(r Role) Role {
	if r == "" {
		return RoleAdmin
	}
	return r
}

func checkRole(r Role) error {
	if !slices.Contains([]Role{RoleAdmin, RoleViewer}, r) {
		return fmt.Errorf("auth: unknown role %q", r)
	}
	return nil
}

// Enabled reports whether any credentials are configured.
func (g *Gate) Enabled() bool {
	return g != nil && (len(g.users) > 0 || len(g.tokens) > 0)
}

// CanIssue reports whether Login can hand out signed tokens.
func (g *Gate) CanIssue() bool { return g != nil && g.jwt != nil }

// Authenticate checks the request's Authorization header.
func (g *Gate) Authenticate(r *http.Request) (Principal, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return Principal{}, ErrNoCredentials
	}
	if scheme, tok, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
		return g.bearer(strings.TrimSpace(tok))
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	return g.Login(user, pass)
}

// Login verifies a username and password.
func (g *Gate) Login(username, password string) (Principal, error) {
	u, ok := g.users[username]
	if !ok || password == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{Name: u.Username, Role: u.Role, Method: "basic"}, nil
}

func (g *Gate) bearer(tok string) (Principal, error) {
	if tok == "" {
		return Principal{}, ErrInvalidCredentials
	}
	// check every token so timing does not reveal which one matched
	var found *APIToken
	for i := range g.tokens {
		if subtle.ConstantTimeCompare([]byte(g.tokens[i].Token), []byte(tok)) == 1 {
			found = &g.tokens[i]
		}
	}
	if found != nil {
		return Principal{Name: found.Name, Role: found.Role, Method: "token"}, nil
	}
	if g.jwt != nil {
		p, err := g.jwt.verify(tok)
		if err != nil {
			return Principal{}, ErrInvalidCredentials
		}
		// a token outlives neither its user nor a role change
		u, ok := g.users[p.Name]
		if !ok {
			return Principal{}, ErrInvalidCredentials
		}
		p.Role = u.Role
		return p, nil
	}
	return Principal{}, ErrInvalidCredentials
}

// Issue signs a session token for p.
func (g *Gate) Issue(p Principal) (Token, error) {
	if g.jwt == nil {
		return Token{}, errors.New("auth: token issuing is not configured")
	}
	return g.jwt.issue(p)
}

// HashPassword returns a bcrypt hash suitable for Config.Users.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
