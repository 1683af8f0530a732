package pecron

import (
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Credentials hold one account's login and its current session token.
// Each account owns its own Credentials.
type Credentials struct {
	Email    string
	Password string
	Region   Region

	mu     sync.Mutex
	token  *oauth2.Token
	logins int

	group singleflight.Group
}

func NewCredentials(email, password string, region Region) *Credentials {
	if region == "" {
		region = DefaultRegion
	}
	return &Credentials{Email: email, Password: password, Region: region}
}

// Token returns the current session token, nil before the first login.
func (c *Credentials) Token() *oauth2.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *Credentials) setToken(token *oauth2.Token) {
	c.mu.Lock()
	c.token = token
	c.logins++
	c.mu.Unlock()
}

// Logins counts successful logins.
func (c *Credentials) Logins() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logins
}

// superseded reports whether another caller already replaced stale.
func (c *Credentials) superseded(stale *oauth2.Token) (*oauth2.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil || c.token == stale || !c.token.Valid() {
		return nil, false
	}
	return c.token, true
}
