// Package connection resolves named DHIS2 connections (URL and credentials)
// from the workspace: environment variables or a YAML connection store.
package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a resolver has no connection for the given id.
var ErrNotFound = errors.New("connection not found")

// Connection holds what is needed to reach one DHIS2 instance.
type Connection struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Validate checks that all fields are present.
func (c Connection) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("connection url is required")
	case c.Username == "":
		return errors.New("connection username is required")
	case c.Password == "":
		return errors.New("connection password is required")
	}
	return nil
}

// String hides the password.
func (c Connection) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.URL)
}

// Resolver looks up a connection by identifier.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Connection, error)
}

// EnvResolver reads <SLUG>_URL, <SLUG>_USERNAME and <SLUG>_PASSWORD where
// SLUG is the upper-cased id with non-alphanumerics replaced by underscores.
type EnvResolver struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Resolve implements Resolver.
func (r EnvResolver) Resolve(_ context.Context, id string) (Connection, error) {
	lookup := r.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	slug := EnvSlug(id)
	url, ok := lookup(slug + "_URL")
	if !ok {
		return Connection{}, fmt.Errorf("%s (env %s_URL): %w", id, slug, ErrNotFound)
	}
	user, _ := lookup(slug + "_USERNAME")
	pass, _ := lookup(slug + "_PASSWORD")

	conn := Connection{URL: url, Username: user, Password: pass}
	if err := conn.Validate(); err != nil {
		return Connection{}, fmt.Errorf("connection %s from env: %w", id, err)
	}
	return conn, nil
}

// EnvSlug converts a connection id to its environment variable prefix.
func EnvSlug(id string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, id)
}

type fileEntry struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"`
}

type fileStore struct {
	Connections map[string]fileEntry `yaml:"connections"`
}

// FileResolver serves connections from a YAML workspace store:
//
//	connections:
//	  iulia-bdi:
//	    url: https://dhis2.example.org
//	    username: admin
//	    password_env: BDI_PASSWORD
type FileResolver struct {
	entries map[string]fileEntry
	lookup  func(string) (string, bool)
}

// LoadFile reads a YAML connection store.
func LoadFile(path string) (*FileResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connection store: %w", err)
	}
	return ParseFile(data)
}

// ParseFile parses YAML connection store contents.
func ParseFile(data []byte) (*FileResolver, error) {
	var store fileStore
	if err := yaml.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("parse connection store: %w", err)
	}
	if store.Connections == nil {
		store.Connections = map[string]fileEntry{}
	}
	return &FileResolver{entries: store.Connections, lookup: os.LookupEnv}, nil
}

// IDs returns the identifiers known to the store.
func (r *FileResolver) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(_ context.Context, id string) (Connection, error) {
	e, ok := r.entries[id]
	if !ok {
		return Connection{}, fmt.Errorf("%s (connection store): %w", id, ErrNotFound)
	}

	conn := Connection{URL: e.URL, Username: e.Username, Password: e.Password}
	if conn.Password == "" && e.PasswordEnv != "" {
		conn.Password, _ = r.lookup(e.PasswordEnv)
	}
	if err := conn.Validate(); err != nil {
		return Connection{}, fmt.Errorf("connection %s: %w", id, err)
	}
	return conn, nil
}

// Chain tries resolvers in order; the first answer other than ErrNotFound wins.
type Chain []Resolver

// Resolve implements Resolver.
func (c Chain) Resolve(ctx context.Context, id string) (Connection, error) {
	for _, r := range c {
		conn, err := r.Resolve(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return conn, err
	}
	return Connection{}, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// Static is a fixed resolver, mostly useful in tests and library use.
type Static map[string]Connection

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, id string) (Connection, error) {
	conn, ok := s[id]
	if !ok {
		return Connection{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return conn, nil
}
