package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Secrets resolves the environment variables that hold account keys.
// The process environment wins over values from dotenv files.
type Secrets struct {
	files map[string]string
}

// LoadSecrets reads <root>/.env and then <root>/.env.<env>, the latter
// overriding the former. Missing files are skipped.
func LoadSecrets(root, env string) (*Secrets, error) {
	s := &Secrets{files: make(map[string]string)}
	for _, name := range []string{".env", ".env." + env} {
		path := filepath.Join(root, name)
		vals, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range vals {
			s.files[k] = v
		}
	}
	return s, nil
}

// Lookup returns the value of the named variable.
func (s *Secrets) Lookup(name string) (string, bool) {
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	v, ok := s.files[name]
	return v, ok
}
