// Package cliconfig binds cobra flags to a viper environment.
package cliconfig

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var log = logging.Logger("auctiond")

// Flag describes a configuration flag.
type Flag struct {
	Name        string
	DefValue    interface{}
	Description string
}

// ConfigureCLI configures a Viper environment with flags and envs.
func ConfigureCLI(v *viper.Viper, envPrefix string, flags []Flag, flagSet *pflag.FlagSet) {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	for _, flag := range flags {
		switch defval := flag.DefValue.(type) {
		case string:
			flagSet.String(flag.Name, defval, flag.Description)
		case bool:
			flagSet.Bool(flag.Name, defval, flag.Description)
		case int:
			flagSet.Int(flag.Name, defval, flag.Description)
		case int64:
			flagSet.Int64(flag.Name, defval, flag.Description)
		case float64:
			flagSet.Float64(flag.Name, defval, flag.Description)
		case time.Duration:
			flagSet.Duration(flag.Name, defval, flag.Description)
		default:
			log.Fatalf("unknown flag type: %T", flag.DefValue)
		}
		v.SetDefault(flag.Name, flag.DefValue)
		if err := v.BindPFlag(flag.Name, flagSet.Lookup(flag.Name)); err != nil {
			log.Fatalf("binding flag %s: %s", flag.Name, err)
		}
	}
}

// ExpandEnvVars expands env vars present in string settings.
func ExpandEnvVars(v *viper.Viper, settings map[string]interface{}) {
	for name, val := range settings {
		if str, ok := val.(string); ok {
			v.Set(name, os.ExpandEnv(str))
		}
	}
}

// LoadDotEnv loads the given env files into the process environment
// without overriding variables that are already set. Missing files are
// skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// CheckErr logs a fatal error and terminates.
func CheckErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// CheckErrf logs a fatal formatted error and terminates.
func CheckErrf(format string, err error) {
	if err != nil {
		log.Fatalf(format, err)
	}
}

// HandleInterrupt blocks until the process is interrupted, then runs
// cleanup.
func HandleInterrupt(cleanup func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")
	cleanup()
}
