// Package config loads the build configuration from the environment, an optional .env file and an
// optional buildsys.toml
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the name of the optional config file in the project root
const FileName = "buildsys.toml"

// Product values for Config.Product
const (
	ProductBedrock = "BedrockUWP"
	ProductPreview = "PreviewUWP"
	ProductCustom  = "Custom"
)

// Config describes all configuration options
type Config struct {
	ProjectName string `env:"PROJECT_NAME" toml:"project_name" usage:"Internal project name, used for the pack directories"`
	WorldName   string `env:"MCWORLD_NAME" toml:"world_name" usage:"File name of the generated .mcworld package"`

	Root       string   `env:"BUILDSYS_ROOT" toml:"root" default:"." usage:"Project root"`
	Dist       string   `env:"BUILDSYS_DIST" toml:"dist" default:"dist" usage:"Output directory, relative to the project root"`
	Entry      string   `env:"BUILDSYS_ENTRY" toml:"entry" default:"main" usage:"Name of the bundled script (without .js)"`
	EntryPoint string   `env:"BUILDSYS_ENTRY_POINT" toml:"entry_point" default:"scripts/main.ts" usage:"Bundler entry point"`
	External   []string `env:"BUILDSYS_EXTERNAL" toml:"external" default:"@minecraft/server,@minecraft/server-ui" usage:"Modules provided by the game"`
	Minify     bool     `env:"BUILDSYS_MINIFY" toml:"minify" default:"false" usage:"Minify whitespace in the bundle"`
	Sourcemap  bool     `env:"BUILDSYS_SOURCEMAP" toml:"sourcemap" default:"true" usage:"Emit a source map into <dist>/debug"`
	LintFiles  []string `env:"BUILDSYS_LINT" toml:"lint" default:"scripts/**/*.ts" usage:"Files checked by the lint task"`
	World      string   `env:"BUILDSYS_WORLD" toml:"world" default:"world" usage:"World template directory for .mcworld packages"`

	Product    string `env:"MINECRAFT_PRODUCT" toml:"product" default:"BedrockUWP" usage:"Deployment target (BedrockUWP, PreviewUWP or Custom)"`
	DeployPath string `env:"CUSTOM_DEPLOYMENT_PATH" toml:"deploy_path" usage:"com.mojang directory to deploy to, required for the Custom product"`

	Parallelism int           `env:"BUILDSYS_PARALLELISM" toml:"parallelism" default:"0" usage:"Maximum number of concurrently running children of a parallel task (0 = unlimited)"`
	Journal     string        `env:"BUILDSYS_JOURNAL" toml:"journal" default:".buildsys/journal.db" usage:"Run journal, relative to the project root (empty to disable)"`
	WatchLull   time.Duration `env:"BUILDSYS_WATCH_LULL" toml:"watch_lull" default:"300ms" usage:"How long to wait for further changes before rebuilding"`
	StopTimeout time.Duration `env:"BUILDSYS_STOP_TIMEOUT" toml:"stop_timeout" default:"0s" usage:"Cancel a running rebuild this long after the watch was stopped (0 = wait)"`

	Verbosity string `env:"BUILDSYS_LOG_LEVEL" toml:"log_level" default:"info" usage:"debug, info, warn, error or fatal"`
	JSON      bool   `env:"BUILDSYS_LOG_JSON" toml:"log_json" default:"false" usage:"Output JSONND instead of pretty console messages"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// MissingValueError is returned by Validate for required values that weren't set
type MissingValueError struct {
	Names []string
}

var _ error = (*MissingValueError)(nil)

func (e *MissingValueError) Error() string {
	return "missing required configuration: " + strings.Join(e.Names, ", ")
}

// Loader initializes an empty config object and returns a new Loader for this object. Values are read
// from defaults, <root>/buildsys.toml and the environment (in that order).
func Loader(root string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: true,
		Files:     []string{filepath.Join(root, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// LoadDotEnv reads <root>/.env if it exists. Variables that are already set are not overwritten.
func LoadDotEnv(root string) error {
	path := filepath.Join(root, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return eris.Wrapf(err, "failed to access %s", path)
	}

	if err := godotenv.Load(path); err != nil {
		return eris.Wrapf(err, "failed to parse %s", path)
	}
	return nil
}

// Load runs the complete startup sequence: .env, config file, environment, validation
func Load(root string) (*Config, error) {
	if err := LoadDotEnv(root); err != nil {
		return nil, err
	}

	cfg, loader := Loader(root)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if cfg.Root == "." || cfg.Root == "" {
		cfg.Root = root
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	missing := make([]string, 0)
	if strings.TrimSpace(cfg.ProjectName) == "" {
		missing = append(missing, "PROJECT_NAME")
	}
	if strings.TrimSpace(cfg.WorldName) == "" {
		missing = append(missing, "MCWORLD_NAME")
	}
	if cfg.Product == ProductCustom && cfg.DeployPath == "" {
		missing = append(missing, "CUSTOM_DEPLOYMENT_PATH")
	}
	if len(missing) > 0 {
		return &MissingValueError{Names: missing}
	}

	for _, name := range []string{cfg.ProjectName, cfg.WorldName, cfg.Entry} {
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return eris.Errorf(`Invalid name %q: must not contain path separators`, name)
		}
	}

	if cfg.Dist == "" || cfg.EntryPoint == "" || cfg.Entry == "" {
		return eris.New("dist, entry and entry_point must not be empty")
	}

	_, ok := logLevels[cfg.Verbosity]
	if !ok {
		return eris.Errorf(`Invalid value for log_level: %s`, cfg.Verbosity)
	}

	switch cfg.Product {
	case ProductBedrock, ProductPreview, ProductCustom:
		// valid
	default:
		return eris.Errorf(`Invalid value for product: %s (must be one of %s, %s or %s)`, cfg.Product, ProductBedrock, ProductPreview, ProductCustom)
	}

	if cfg.Parallelism < 0 {
		return eris.Errorf(`Invalid value for parallelism: %d`, cfg.Parallelism)
	}

	return nil
}

// LogLevel converts the Verbosity field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Verbosity]
}

// Path resolves a path relative to the project root
func (cfg *Config) Path(parts ...string) string {
	return filepath.Join(append([]string{cfg.Root}, parts...)...)
}

// DistPath resolves a path inside the output directory
func (cfg *Config) DistPath(parts ...string) string {
	return cfg.Path(append([]string{cfg.Dist}, parts...)...)
}

// DeployRoot returns the com.mojang directory the packs are deployed to
func (cfg *Config) DeployRoot() (string, error) {
	if cfg.DeployPath != "" {
		return cfg.DeployPath, nil
	}

	var pkg string
	switch cfg.Product {
	case ProductBedrock:
		pkg = "Microsoft.MinecraftUWP_8wekyb3d8bbwe"
	case ProductPreview:
		pkg = "Microsoft.MinecraftWindowsBeta_8wekyb3d8bbwe"
	default:
		return "", eris.New("CUSTOM_DEPLOYMENT_PATH is required for custom deployments")
	}

	if runtime.GOOS != "windows" {
		return "", eris.Errorf("%s is only available on Windows, set CUSTOM_DEPLOYMENT_PATH instead", cfg.Product)
	}

	localAppData := os.Getenv("LOCALAPPDATA")
	if localAppData == "" {
		return "", eris.New("LOCALAPPDATA is not set")
	}
	return filepath.Join(localAppData, "Packages", pkg, "LocalState", "games", "com.mojang"), nil
}
