package devserver

import (
	"errors"
	"fmt"

	"github.com/prtfnx/ttrpg-system-sub008/internal/config"
)

// Seed creates the configured accounts and sessions. Accounts that already
// exist keep their stored password.
func Seed(store *Store, cfg config.DevServerConfig) error {
	for _, entry := range cfg.Users {
		name, password, role, err := config.ParseUser(entry)
		if err != nil {
			return err
		}
		if _, err := store.CreateUser(name, "", password, role); err != nil && !errors.Is(err, ErrUserExists) {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
	}
	for _, seed := range cfg.Sessions {
		name := seed.Name
		if name == "" {
			name = seed.Code
		}
		if err := store.AddSession(seed.Code, name, seed.Members); err != nil {
			return fmt.Errorf("seed session %s: %w", seed.Code, err)
		}
	}
	return nil
}
