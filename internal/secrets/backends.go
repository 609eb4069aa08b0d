package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"inbox-triage/internal/model"
)

// EnvName maps a secret name onto an environment variable name.
func EnvName(name string) string {
	return strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, name)
}

// EnvBackend reads secrets from process environment variables.
type EnvBackend struct {
	lookup func(string) (string, bool)
}

func NewEnvBackend() *EnvBackend {
	return &EnvBackend{lookup: os.LookupEnv}
}

func (b *EnvBackend) Name() string { return "env" }

func (b *EnvBackend) Get(_ context.Context, name string) (model.Credentials, error) {
	v, ok := b.lookup(EnvName(name))
	if !ok || v == "" {
		return model.Credentials{}, ErrNotFound
	}
	return model.Credentials{Values: parseSecret(v)}, nil
}

// DotenvBackend reads secrets from a dotenv file. The file is re-read on
// every lookup so rotated values are picked up without a restart.
type DotenvBackend struct {
	path string
}

func NewDotenvBackend(path string) *DotenvBackend {
	return &DotenvBackend{path: path}
}

func (b *DotenvBackend) Name() string { return "dotenv" }

func (b *DotenvBackend) Get(_ context.Context, name string) (model.Credentials, error) {
	vars, err := godotenv.Read(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Credentials{}, ErrNotFound
		}
		return model.Credentials{}, fmt.Errorf("failed to read %s: %w", b.path, err)
	}
	v, ok := vars[EnvName(name)]
	if !ok {
		v, ok = vars[name]
	}
	if !ok || v == "" {
		return model.Credentials{}, ErrNotFound
	}
	return model.Credentials{Values: parseSecret(v)}, nil
}

// FileBackend reads secrets from a YAML document mapping secret names to
// either a string or a map of fields.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (b *FileBackend) Name() string { return "file" }

func (b *FileBackend) Get(_ context.Context, name string) (model.Credentials, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Credentials{}, ErrNotFound
		}
		return model.Credentials{}, fmt.Errorf("failed to read %s: %w", b.path, err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return model.Credentials{}, fmt.Errorf("failed to parse %s: %w", b.path, err)
	}
	node, ok := doc[name]
	if !ok {
		return model.Credentials{}, ErrNotFound
	}

	switch node.Kind {
	case yaml.ScalarNode:
		return model.Credentials{Values: parseSecret(node.Value)}, nil
	case yaml.MappingNode:
		values := make(map[string]string)
		if err := node.Decode(&values); err != nil {
			return model.Credentials{}, fmt.Errorf("secret %s: %w", name, err)
		}
		return model.Credentials{Values: values}, nil
	default:
		return model.Credentials{}, fmt.Errorf("secret %s: unsupported yaml node", name)
	}
}

// RedisBackend reads secrets stored as redis string values.
type RedisBackend struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisBackend(client redis.Cmdable, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Get(ctx context.Context, name string) (model.Credentials, error) {
	v, err := b.client.Get(ctx, b.keyPrefix+name).Result()
	if errors.Is(err, redis.Nil) {
		return model.Credentials{}, ErrNotFound
	}
	if err != nil {
		return model.Credentials{}, fmt.Errorf("redis get: %w", err)
	}
	return model.Credentials{Values: parseSecret(v)}, nil
}
