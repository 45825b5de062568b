// Package config loads the archive connection settings from defaults, a
// YAML file, a .env file, ORTHANC_* environment variables and command-line
// flags, in increasing order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// FileName is the config file looked up in the home directory.
	FileName  = ".orthanc-helper.yaml"
	envPrefix = "ORTHANC"
)

// ErrInvalid is returned when a loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config holds everything needed to reach the archive and run a command.
type Config struct {
	Scheme      string        `mapstructure:"scheme" yaml:"scheme" validate:"required,oneof=http https"`
	Host        string        `mapstructure:"host" yaml:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int           `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Username    string        `mapstructure:"username" yaml:"username,omitempty"`
	Password    string        `mapstructure:"password" yaml:"password,omitempty"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty" validate:"min=0"`
	ServerAET   string        `mapstructure:"server_aet" yaml:"server_aet,omitempty" validate:"omitempty,max=16"`
	LogLevel    string        `mapstructure:"log_level" yaml:"log_level,omitempty" validate:"oneof=debug info warn error"`
	LogFile     string        `mapstructure:"log_file" yaml:"log_file,omitempty"`
	MappingFile string        `mapstructure:"mapping_file" yaml:"mapping_file,omitempty"`
	MappingKey  string        `mapstructure:"mapping_key" yaml:"mapping_key,omitempty"`
	ErrorLog    string        `mapstructure:"error_log" yaml:"error_log,omitempty"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	return Config{
		Scheme:   "http",
		Host:     "localhost",
		Port:     8042,
		LogLevel: "warn",
		ErrorLog: "errors.log",
	}
}

// URL returns the archive base URL.
func (c Config) URL() string {
	return fmt.Sprintf("%s://%s", c.Scheme, net.JoinHostPort(c.Host, strconv.Itoa(c.Port)))
}

// Masked returns a copy safe to print.
func (c Config) Masked() Config {
	if c.Password != "" {
		c.Password = "********"
	}
	if c.MappingKey != "" {
		c.MappingKey = "********"
	}
	return c
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"scheme":    "scheme",
	"host":      "host",
	"port":      "port",
	"user":      "username",
	"password":  "password",
	"timeout":   "timeout",
	"log-level": "log_level",
	"log-file":  "log_file",
	"mapping":   "mapping_file",
	"key":       "mapping_key",
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// File is an explicit config file; it must exist. When empty,
	// DefaultPath is read if present.
	File string
	// EnvFile is a dotenv file read if present. Defaults to ".env".
	EnvFile string
	// Flags are bound on top of every other source when set.
	Flags *pflag.FlagSet
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
}

// DefaultPath returns ~/.orthanc-helper.yaml, or "" without a home directory.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, FileName)
}

// Load builds and validates a Config.
func Load(opts LoadOptions) (*Config, error) {
	afs := opts.Fs
	if afs == nil {
		afs = afero.NewOsFs()
	}

	v := viper.New()
	v.SetFs(afs)
	setDefaults(v)

	if err := readConfigFile(v, afs, opts.File); err != nil {
		return nil, err
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := mergeDotenv(v, afs, envFile); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("could not bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("could not decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("scheme", def.Scheme)
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("timeout", def.Timeout)
	v.SetDefault("server_aet", "")
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("mapping_file", "")
	v.SetDefault("mapping_key", "")
	v.SetDefault("error_log", def.ErrorLog)
}

func readConfigFile(v *viper.Viper, afs afero.Fs, file string) error {
	explicit := file != ""
	if !explicit {
		file = DefaultPath()
		if file == "" {
			return nil
		}
	}
	if _, err := afs.Stat(file); err != nil {
		if explicit {
			return fmt.Errorf("config file %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("could not read config file %s: %w", file, err)
	}
	return nil
}

// mergeDotenv layers ORTHANC_* entries of a dotenv file over the config
// file. Real environment variables still win.
func mergeDotenv(v *viper.Viper, afs afero.Fs, path string) error {
	data, err := afero.ReadFile(afs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("could not read %s: %w", path, err)
	}
	vars, err := godotenv.Parse(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not parse %s: %w", path, err)
	}

	values := make(map[string]any)
	for name, value := range vars {
		key, ok := strings.CutPrefix(name, envPrefix+"_")
		if !ok || key == "" {
			continue
		}
		values[strings.ToLower(key)] = value
	}
	if len(values) == 0 {
		return nil
	}
	return v.MergeConfigMap(values)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()
	// Report config keys rather than Go field names.
	val.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return val
}

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fmt.Sprint(fe.Value()))
	case "min", "max":
		return fmt.Sprintf("%s is out of range (%s %s)", fe.Field(), fe.Tag(), fe.Param())
	case "hostname_rfc1123|ip":
		return fmt.Sprintf("%s %q is not a hostname or IP address", fe.Field(), fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
