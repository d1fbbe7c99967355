package config

import (
	"fmt"
	"strings"

	"github.com/runplane/runplane/pkg/engines/httpengine"
	"github.com/runplane/runplane/pkg/engines/simulated"
	"github.com/runplane/runplane/pkg/engines/sshengine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/poller"
	"github.com/runplane/runplane/pkg/runtimes"
	"github.com/runplane/runplane/pkg/stores"
	"github.com/runplane/runplane/pkg/telemetry"
)

// Config is the runplane service configuration.
type Config struct {
	Store     stores.Config    `yaml:"store" json:"store"`
	Bus       events.Config    `yaml:"bus" json:"bus"`
	Poller    poller.Config    `yaml:"poller" json:"poller"`
	Engine    EngineConfig     `yaml:"engine" json:"engine"`
	Runtimes  runtimes.Config  `yaml:"runtimes" json:"runtimes"`
	Policy    PolicyConfig     `yaml:"policy" json:"policy"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry" validate:"-"`
}

// Engine types.
const (
	EngineSimulated = "simulated"
	EngineHTTP      = "http"
	EngineSSH       = "ssh"
)

// EngineConfig selects the external engine and holds the settings of each.
// Only the section named by Type is validated.
type EngineConfig struct {
	Type string `yaml:"type" json:"type" validate:"required,oneof=simulated http ssh"`

	Simulated simulated.Config  `yaml:"simulated" json:"simulated" validate:"-"`
	HTTP      httpengine.Config `yaml:"http" json:"http" validate:"-"`
	SSH       sshengine.Config  `yaml:"ssh" json:"ssh" validate:"-"`
}

// PolicyConfig configures run admission policies.
type PolicyConfig struct {
	// Paths lists .rego and .json policy files or directories loaded on top
	// of the built-in policies.
	Paths []string `yaml:"paths" json:"paths" validate:"dive,required"`

	// Watch reloads the policy set when a file under Paths changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	return &Config{
		Store: stores.Config{
			Driver:       stores.DriverSQLite,
			Path:         "runplane.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		Bus:      events.DefaultConfig(),
		Poller:   poller.DefaultConfig(),
		Runtimes: runtimes.DefaultConfig(),
		Engine: EngineConfig{
			Type:      EngineSimulated,
			Simulated: simulated.DefaultConfig(),
			HTTP:      httpengine.DefaultConfig(),
			SSH:       sshengine.DefaultConfig("", ""),
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the config path to the error (e.g., "engine.http.base_url").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned by Load and Validate when the configuration
// is rejected.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.String()
	}
	return "invalid configuration: " + strings.Join(lines, "; ")
}
