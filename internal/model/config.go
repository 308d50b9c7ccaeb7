package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	SinkStdout    = "stdout"
	SinkDir       = "dir"
	SinkHEC       = "hec"
	SinkSQLite    = "sqlite"
	SinkCycloneDX = "cyclonedx"

	DefaultAuthURL  = "https://auth.app.wiz.io/oauth/token"
	DefaultAudience = "wiz-api"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	root   cue.Value // compiled config.cue, holds all definitions
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	root = cueCtx.CompileBytes(cueSource)
	if root.Err() != nil {
		panic(root.Err())
	}

	schema = root.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int              `json:"version" yaml:"version"` // fixed 0 for now
	Wiz     Wiz              `json:"wiz" yaml:"wiz"`
	Engine  Engine           `json:"engine" yaml:"engine"`
	Service Service          `json:"service" yaml:"service"`
	Sinks   []Sink           `json:"sink,omitempty" yaml:"sink,omitempty"`
	Inputs  []map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// Wiz API access. Credentials starting with $ are expanded from the
// environment when the client is built.
type Wiz struct {
	AuthURL      string  `json:"auth_url" yaml:"auth_url"`
	APIURL       string  `json:"api_url" yaml:"api_url"`
	ClientID     string  `json:"client_id" yaml:"client_id"`
	ClientSecret string  `json:"client_secret" yaml:"client_secret"`
	Audience     string  `json:"audience" yaml:"audience"`
	RateLimit    float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"` // requests per second
	Timeout      string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // e.g. 30s
	Retries      *int    `json:"retries,omitempty" yaml:"retries,omitempty"`
}

type Engine struct {
	Workers int    `json:"workers" yaml:"workers"`
	JobDir  string `json:"job_dir,omitempty" yaml:"job_dir,omitempty"`
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Metrics  *Metrics       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// TimerSchedule holds exactly one of a cron expression or an ISO8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type Metrics struct {
	Listen string `json:"listen" yaml:"listen"`
}

// Sink is a tagged union by Type.
type Sink struct {
	Type       string `json:"type" yaml:"type"`
	Path       string `json:"path,omitempty" yaml:"path,omitempty"`
	URL        string `json:"url,omitempty" yaml:"url,omitempty"`
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`
	Index      string `json:"index,omitempty" yaml:"index,omitempty"`
	SourceType string `json:"sourcetype,omitempty" yaml:"sourcetype,omitempty"`
	Insecure   bool   `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// DefaultConfig is written when no configuration file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Wiz: Wiz{
			AuthURL:      DefaultAuthURL,
			APIURL:       "https://api.us1.app.wiz.io/graphql",
			ClientID:     "$WIZ_CLIENT_ID",
			ClientSecret: "$WIZ_CLIENT_SECRET",
			Audience:     DefaultAudience,
		},
		Engine: Engine{
			Workers: 4,
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
		},
		Sinks: []Sink{
			{Type: SinkStdout},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("wizvms.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	return out, nil
}
