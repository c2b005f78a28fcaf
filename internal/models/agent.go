package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	bolt "go.etcd.io/bbolt"

	"github.com/dockru/dockru/internal/db"
)

// Agent is a configured peer instance. Password is stored encrypted
// (see Secrets); the public JSON representation never includes it.
type Agent struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"-"`
	Active   bool   `json:"active"`
}

// storedAgent mirrors Agent for persistence, where the (encrypted) password
// must round-trip.
type storedAgent struct {
	ID       int    `json:"id"`
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Active   bool   `json:"active"`
}

// Endpoint derives the host[:port] identifier from the agent URL.
func (a *Agent) Endpoint() string {
	return EndpointFromURL(a.URL)
}

// EndpointFromURL returns host[:port] for a parseable URL, else "".
func EndpointFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

type AgentStore struct {
	db      *bolt.DB
	secrets *Secrets
}

func NewAgentStore(database *bolt.DB, secrets *Secrets) *AgentStore {
	return &AgentStore{db: database, secrets: secrets}
}

// GetAll returns all agents with decrypted passwords.
func (s *AgentStore) GetAll() ([]Agent, error) {
	var agents []Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketAgents).ForEach(func(k, v []byte) error {
			var sa storedAgent
			if err := json.Unmarshal(v, &sa); err != nil {
				return fmt.Errorf("unmarshal agent %q: %w", string(k), err)
			}
			pass, err := s.secrets.Decrypt(sa.Password)
			if err != nil {
				return fmt.Errorf("decrypt agent %q password: %w", string(k), err)
			}
			agents = append(agents, Agent{
				ID:       sa.ID,
				URL:      sa.URL,
				Username: sa.Username,
				Password: pass,
				Active:   sa.Active,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("get agents: %w", err)
	}
	return agents, nil
}

// FindByURL returns the agent with a decrypted password, or nil.
func (s *AgentStore) FindByURL(rawURL string) (*Agent, error) {
	var a *Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketAgents).Get([]byte(rawURL))
		if v == nil {
			return nil
		}
		var sa storedAgent
		if err := json.Unmarshal(v, &sa); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}
		pass, err := s.secrets.Decrypt(sa.Password)
		if err != nil {
			return fmt.Errorf("decrypt agent password: %w", err)
		}
		a = &Agent{ID: sa.ID, URL: sa.URL, Username: sa.Username, Password: pass, Active: sa.Active}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RawPassword returns the stored (possibly encrypted) password column for a
// URL, without decrypting. Used by tests and the migration.
func (s *AgentStore) RawPassword(rawURL string) (string, error) {
	var raw string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(db.BucketAgents).Get([]byte(rawURL))
		if v == nil {
			return fmt.Errorf("agent %q not found", rawURL)
		}
		var sa storedAgent
		if err := json.Unmarshal(v, &sa); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}
		raw = sa.Password
		return nil
	})
	return raw, err
}

// Add inserts a new agent, encrypting the password at rest.
func (s *AgentStore) Add(rawURL, username, password string) (*Agent, error) {
	enc, err := s.secrets.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("encrypt agent password: %w", err)
	}

	a := &Agent{
		URL:      rawURL,
		Username: username,
		Password: password,
		Active:   true,
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketAgents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		a.ID = int(seq)

		data, err := json.Marshal(storedAgent{
			ID:       a.ID,
			URL:      a.URL,
			Username: a.Username,
			Password: enc,
			Active:   a.Active,
		})
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}
		return bucket.Put([]byte(rawURL), data)
	})
	if err != nil {
		return nil, fmt.Errorf("add agent: %w", err)
	}
	return a, nil
}

// Remove deletes an agent by URL.
func (s *AgentStore) Remove(rawURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(db.BucketAgents).Delete([]byte(rawURL))
	})
}

// UpdateCredentials replaces an agent's username and password.
func (s *AgentStore) UpdateCredentials(rawURL, username, password string) error {
	enc, err := s.secrets.Encrypt(password)
	if err != nil {
		return fmt.Errorf("encrypt agent password: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketAgents)
		v := bucket.Get([]byte(rawURL))
		if v == nil {
			return fmt.Errorf("agent %q not found", rawURL)
		}

		var sa storedAgent
		if err := json.Unmarshal(v, &sa); err != nil {
			return fmt.Errorf("unmarshal agent: %w", err)
		}

		sa.Username = username
		sa.Password = enc

		data, err := json.Marshal(&sa)
		if err != nil {
			return fmt.Errorf("marshal agent: %w", err)
		}
		return bucket.Put([]byte(rawURL), data)
	})
}

// MigratePlaintext re-encrypts any legacy plaintext passwords in place.
// Idempotent; rows already carrying the encrypted prefix are untouched.
func (s *AgentStore) MigratePlaintext() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(db.BucketAgents)

		type pending struct {
			key  []byte
			data []byte
		}
		var updates []pending

		err := bucket.ForEach(func(k, v []byte) error {
			var sa storedAgent
			if err := json.Unmarshal(v, &sa); err != nil {
				return fmt.Errorf("unmarshal agent %q: %w", string(k), err)
			}
			if IsEncrypted(sa.Password) {
				return nil
			}

			enc, err := s.secrets.Encrypt(sa.Password)
			if err != nil {
				return fmt.Errorf("encrypt agent %q password: %w", string(k), err)
			}
			sa.Password = enc

			data, err := json.Marshal(&sa)
			if err != nil {
				return fmt.Errorf("marshal agent: %w", err)
			}
			updates = append(updates, pending{key: append([]byte(nil), k...), data: data})
			return nil
		})
		if err != nil {
			return err
		}

		for _, u := range updates {
			if err := bucket.Put(u.key, u.data); err != nil {
				return err
			}
		}
		if len(updates) > 0 {
			slog.Info("migrated plaintext agent passwords", "count", len(updates))
		}
		return nil
	})
}
