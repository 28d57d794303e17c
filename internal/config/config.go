package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
)

// File mirrors the optional HCL settings file. Every attribute is optional;
// unset values leave the corresponding flag default in force.
type File struct {
	Provider      string    `hcl:"provider,optional"`
	BaseDir       string    `hcl:"base_dir,optional"`
	MaxWorkers    int       `hcl:"max_workers,optional"`
	TimingsOutput string    `hcl:"timings_output,optional"`
	LogLevel      string    `hcl:"log_level,optional"`
	LogFormat     string    `hcl:"log_format,optional"`
	Postgres      *Postgres `hcl:"postgres,block"`
}

// Postgres holds the miner's database connection settings.
type Postgres struct {
	User     string `hcl:"user,optional"`
	Password string `hcl:"password,optional"`
	Host     string `hcl:"host,optional"`
	Port     int    `hcl:"port,optional"`
	Database string `hcl:"database,optional"`
}

// LoadDotEnv folds a .env file into the process environment when one exists.
// A missing file is not an error; existing variables are never overwritten.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadFile decodes the HCL settings file at path. File expressions can
// reference the process environment through the `env` object, e.g.
// `provider = env.ARCHIVE_NODE_URL`. An empty path yields an empty File.
func LoadFile(path string) (*File, error) {
	var file File
	if path == "" {
		return &file, nil
	}
	if err := hclsimple.DecodeFile(path, evalContext(), &file); err != nil {
		return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return &file, nil
}

// evalContext exposes the process environment to HCL expressions.
func evalContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		vars[key] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}

// DSN renders the pgx connection string, filling gaps from the conventional
// POSTGRES_* environment variables and falling back to local defaults.
func (p *Postgres) DSN() string {
	settings := Postgres{}
	if p != nil {
		settings = *p
	}
	if settings.User == "" {
		settings.User = envOr("POSTGRES_USER", "postgres")
	}
	if settings.Password == "" {
		settings.Password = os.Getenv("POSTGRES_PASSWORD")
	}
	if settings.Host == "" {
		settings.Host = envOr("POSTGRES_HOST", "localhost")
	}
	if settings.Port == 0 {
		settings.Port = 5432
	}
	if settings.Database == "" {
		settings.Database = envOr("POSTGRES_DB", "todrace")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		settings.User, settings.Password, settings.Host, settings.Port, settings.Database)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
