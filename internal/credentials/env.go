package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// AccessTokenEnv is the variable a refreshed token is stored under.
const AccessTokenEnv = "DROPBOX_ACCESS_TOKEN"

// EnvFilePersister writes the token into the process environment and a dotenv file.
type EnvFilePersister struct {
	Path string
	Key  string
}

func NewEnvFilePersister(path string) *EnvFilePersister {
	return &EnvFilePersister{Path: path, Key: AccessTokenEnv}
}

func (p *EnvFilePersister) Persist(token string) error {
	if err := os.Setenv(p.Key, token); err != nil {
		return fmt.Errorf("set %s: %w", p.Key, err)
	}
	if p.Path == "" {
		return nil
	}

	env, err := godotenv.Read(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		env = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read %s: %w", p.Path, err)
	}
	env[p.Key] = token
	if err := godotenv.Write(env, p.Path); err != nil {
		return fmt.Errorf("write %s: %w", p.Path, err)
	}
	return nil
}
