package storage

import (
	"errors"
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Credential is one agent account used to log in to the service.
type Credential struct {
	// Email is the account login and the agent's identity in logs.
	Email string `toml:"email"`
	// Password is sent only to the login endpoint.
	Password string `toml:"password"`
}

// String hides the password so credentials can be logged safely.
func (c Credential) String() string {
	return c.Email
}

// credentialsFile is the on-disk schema:
//
//	[[agents]]
//	email = "bot1@example.com"
//	password = "..."
type credentialsFile struct {
	Agents []Credential `toml:"agents"`
}

// ErrNoCredentials is returned when the file parses but lists no agents.
var ErrNoCredentials = errors.New("no agent credentials found")

// LoadCredentials reads the agent list from a TOML file.
//
// Emails are trimmed, entries with an empty email or password are rejected,
// and repeated emails keep their first occurrence so every agent identity is
// unique. Order is preserved because login runs in file order.
func LoadCredentials(path string) ([]Credential, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("missing credentials path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes the TOML credentials schema.
func ParseCredentials(data []byte) ([]Credential, error) {
	var file credentialsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Agents))
	out := make([]Credential, 0, len(file.Agents))
	for i, c := range file.Agents {
		c.Email = strings.TrimSpace(c.Email)
		if c.Email == "" {
			return nil, fmt.Errorf("agents[%d]: missing email", i)
		}
		if c.Password == "" {
			return nil, fmt.Errorf("agents[%d] (%s): missing password", i, c.Email)
		}
		key := strings.ToLower(c.Email)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, ErrNoCredentials
	}
	return out, nil
}
