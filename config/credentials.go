package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"gopkg.in/ini.v1"
)

// ErrNoCredential is returned when a credentials section or field is not
// present in the credentials file.
var ErrNoCredential = errors.New("config: credential not found")

// Credential is one resolved credentials section. Token and
// username/password are alternatives; services accept whichever they use.
type Credential struct {
	Token    string
	Username string
	Password string
}

// BasicAuth renders the credential as HTTP basic auth for git transports.
// Tokens authenticate as the password with a fixed username, matching how
// git hosting services accept personal access tokens.
func (c Credential) BasicAuth() transport.AuthMethod {
	if c.Token != "" {
		return &githttp.BasicAuth{Username: "x-token-auth", Password: c.Token}
	}
	return &githttp.BasicAuth{Username: c.Username, Password: c.Password}
}

// Empty reports whether the credential carries nothing usable.
func (c Credential) Empty() bool {
	return c.Token == "" && c.Username == "" && c.Password == ""
}

// Credentials is a parsed INI credentials file with one section per
// service, e.g.
//
//	[github]
//	token = ghp_...
type Credentials struct {
	file *ini.File
}

// LoadCredentials parses an INI credentials file. A missing file yields an
// empty credential set rather than an error, so purely local runs need no
// credentials at all.
func LoadCredentials(path string) (*Credentials, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Credentials{file: ini.Empty()}, nil
	}
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load credentials %s: %w", path, err)
	}
	return &Credentials{file: f}, nil
}

// ParseCredentials parses INI credentials content.
func ParseCredentials(raw []byte) (*Credentials, error) {
	f, err := ini.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse credentials: %w", err)
	}
	return &Credentials{file: f}, nil
}

// Section resolves the credential for a named service section.
func (c *Credentials) Section(name string) (Credential, error) {
	if c == nil || c.file == nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	sec, err := c.file.GetSection(name)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	cred := Credential{
		Token:    sec.Key("token").String(),
		Username: sec.Key("username").String(),
		Password: sec.Key("password").String(),
	}
	if cred.Empty() {
		return Credential{}, fmt.Errorf("%w: %s", ErrNoCredential, name)
	}
	return cred, nil
}

// Token resolves the token for a service, falling back to the password
// when only username/password is configured.
func (c *Credentials) Token(section string) (string, error) {
	cred, err := c.Section(section)
	if err != nil {
		return "", err
	}
	if cred.Token != "" {
		return cred.Token, nil
	}
	return cred.Password, nil
}
