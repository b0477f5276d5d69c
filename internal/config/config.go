// Package config provides a go-simpler.org/env configuration table for the
// registration burst scheduler service, following the same env-var-driven
// style as the relay this project was built from.
package config

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go-simpler.org/env"
	lol "lol.mleku.dev"
	"lol.mleku.dev/chk"
)

// V is the service version string, reported on the health endpoint.
const V = "0.1.0"

// C holds process-wide configuration loaded from environment variables.
type C struct {
	AppName    string `env:"REGBURST_APP_NAME" usage:"name reported by the health endpoint" default:"regburst"`
	Listen     string `env:"REGBURST_LISTEN" default:"0.0.0.0" usage:"network listen address"`
	Port       int    `env:"REGBURST_PORT" default:"8080" usage:"port to listen on"`
	LogLevel   string `env:"REGBURST_LOG_LEVEL" default:"info" usage:"log level: fatal error warn info debug trace"`
	LogToStdout bool  `env:"REGBURST_LOG_TO_STDOUT" default:"false" usage:"log to stdout instead of stderr"`
	Pprof      string `env:"REGBURST_PPROF" usage:"enable profiling in modes: cpu,memory,allocation"`

	CORSOrigins []string `env:"CORS_ORIGINS" usage:"comma-separated list of allowed CORS origins"`
	Env         string   `env:"ENV" default:"development" usage:"deployment environment; 'production' disables docs"`

	// Civil-time interpretation for target registration instants (§4.4, §9).
	Timezone string `env:"REGBURST_TIMEZONE" default:"America/New_York" usage:"fixed civil timezone used to resolve kayit_saati targets"`

	// NTP servers queried by the Clock Oracle (C1); the first three entries
	// are queried concurrently and the lowest-RTT response wins.
	NTPServers []string `env:"REGBURST_NTP_SERVERS" default:"time.google.com,time.cloudflare.com,pool.ntp.org" usage:"comma-separated NTP server pool"`

	// RegistrationURL is the outbound registration endpoint (§6); it is also
	// used as the Date-header cross-validation and prewarm target.
	RegistrationURL string `env:"REGBURST_REGISTRATION_URL" usage:"registration endpoint URL"`

	// Session Registry (C9) limits.
	SessionCapacity    int           `env:"REGBURST_SESSION_CAPACITY" default:"100" usage:"maximum concurrent sessions"`
	SessionIdleTimeout time.Duration `env:"REGBURST_SESSION_IDLE_TIMEOUT" default:"2h" usage:"idle session eviction threshold"`

	// Rate limits per §6.
	RateLimitTestToken      int `env:"REGBURST_RATE_TEST_TOKEN" default:"10" usage:"requests/min allowed on /api/test-token"`
	RateLimitCalibrate      int `env:"REGBURST_RATE_CALIBRATE" default:"6" usage:"requests/min allowed on /api/calibrate"`
	RateLimitRegisterStart  int `env:"REGBURST_RATE_REGISTER_START" default:"6" usage:"requests/min allowed on /api/register/start"`
}

// New loads configuration from the environment, applies logging setup, and
// returns the populated struct.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		PrintHelp(cfg, os.Stderr)
		return nil, err
	}
	if cfg.LogToStdout {
		lol.Writer = os.Stdout
	}
	lol.SetLogLevel(cfg.LogLevel)
	return
}

// HelpRequested reports whether the first CLI argument requests help text.
func HelpRequested() (help bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			help = true
		}
	}
	return
}

// KV is a key/value pair used when rendering configuration for diagnostics.
type KV struct{ Key, Value string }

// KVSlice is a sortable slice of key/value pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// PrintHelp prints usage information, then the resolved configuration.
func PrintHelp(cfg *C, printer io.Writer) {
	fmt.Fprintf(printer, "%s %s\n\n", cfg.AppName, V)
	fmt.Fprintf(printer, "Usage: %s [env|help]\n\n", cfg.AppName)
	env.Usage(cfg, printer, &env.Options{SliceSep: ","})
}

// PrintEnv renders part of the resolved configuration (app name, listen
// address, port, log level, timezone), sorted by key, as KEY=value lines.
func PrintEnv(cfg *C, printer io.Writer) {
	var kvs KVSlice
	kvs = append(kvs, KV{"REGBURST_APP_NAME", cfg.AppName})
	kvs = append(kvs, KV{"REGBURST_LISTEN", cfg.Listen})
	kvs = append(kvs, KV{"REGBURST_PORT", fmt.Sprint(cfg.Port)})
	kvs = append(kvs, KV{"REGBURST_LOG_LEVEL", cfg.LogLevel})
	kvs = append(kvs, KV{"REGBURST_TIMEZONE", cfg.Timezone})
	sort.Sort(kvs)
	for _, v := range kvs {
		fmt.Fprintf(printer, "%s=%s\n", v.Key, v.Value)
	}
}
