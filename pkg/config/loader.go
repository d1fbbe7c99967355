package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads the configuration file at path, laid over Default. Files ending
// in .cue are checked against the configuration schema first; anything else
// is read as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return LoadCUE(path, data)
	}
	return LoadYAML(path, data)
}

// LoadYAML decodes YAML data over Default and validates the result.
func LoadYAML(name string, data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, ValidationErrors{{File: name, Message: err.Error()}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadCUE evaluates CUE data against the configuration schema, exports it
// and decodes it like a YAML file.
func LoadCUE(name string, data []byte) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(name))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	exported, err := cueyaml.Encode(unified)
	if err != nil {
		return nil, fmt.Errorf("failed to export config: %w", err)
	}
	return LoadYAML(name, exported)
}

// convertCUEErrors converts CUE errors to ValidationErrors with positions.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(cueerrors.Details(e, nil)),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// Validate checks struct tags, the selected engine section and telemetry.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validate.Struct(c); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}

	switch c.Engine.Type {
	case EngineSimulated:
		if err := validate.Struct(c.Engine.Simulated); err != nil {
			errs = append(errs, fieldErrors(err)...)
		}
	case EngineHTTP:
		if err := validate.Struct(c.Engine.HTTP); err != nil {
			errs = append(errs, fieldErrors(err)...)
		}
	case EngineSSH:
		if err := c.Engine.SSH.Validate(); err != nil {
			errs = append(errs, ValidationError{Path: "engine.ssh", Message: err.Error()})
		}
	}

	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, ValidationError{Path: "store.dsn", Message: "required for the postgres driver"})
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, ValidationError{Path: "telemetry", Message: err.Error()})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fieldErrors(err error) ValidationErrors {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out = append(out, ValidationError{Path: fe.Namespace(), Message: msg})
	}
	return out
}
