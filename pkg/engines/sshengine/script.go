package sshengine

import (
	"bytes"
	"path"
	"regexp"
	"sort"
	"strings"
	"text/template"

	"github.com/runplane/runplane/pkg/engine"
)

var scriptTemplate = template.Must(template.New("run.sh").Funcs(template.FuncMap{
	"quote": quote,
}).Parse(`#!/bin/sh
cd {{ quote .Dir }} || exit 1
{{- range .Env }}
export {{ .Name }}={{ quote .Value }}
{{- end }}
{{ .Command }}
code=$?
echo "$code" > {{ quote .ExitTmp }} && mv {{ quote .ExitTmp }} {{ quote .ExitFile }}
`))

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type envVar struct {
	Name  string
	Value string
}

type scriptData struct {
	Dir      string
	Env      []envVar
	Command  string
	ExitTmp  string
	ExitFile string
}

// renderScript builds the job script. Image-based runnables go through the
// container runtime when one is configured, with the job directory mounted
// at /runplane.
func renderScript(dir, containerRuntime string, r *engine.Runnable) (string, error) {
	names := make([]string, 0, len(r.Env))
	for k := range r.Env {
		if !envName.MatchString(k) {
			return "", engine.NewExternalEngineFatalError("invalid environment variable name "+quote(k), nil)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	data := scriptData{
		Dir:      dir,
		ExitTmp:  path.Join(dir, fileExitCode+".tmp"),
		ExitFile: path.Join(dir, fileExitCode),
	}

	var argv []string
	if r.Image != "" && containerRuntime != "" {
		argv = append(argv, containerRuntime, "run", "--rm", "--name", "runplane-"+r.ID, "-v", dir+":/runplane")
		for _, k := range names {
			argv = append(argv, "-e", k+"="+r.Env[k])
		}
		argv = append(argv, r.Image)
	} else {
		for _, k := range names {
			data.Env = append(data.Env, envVar{Name: k, Value: r.Env[k]})
		}
	}
	argv = append(argv, r.Command...)
	argv = append(argv, r.Args...)
	if len(argv) == 0 {
		return "", engine.NewExternalEngineFatalError("runnable has neither image nor command", nil).WithResource(r.RunID)
	}

	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quote(a)
	}
	data.Command = strings.Join(quoted, " ")

	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, data); err != nil {
		return "", engine.NewExternalEngineFatalError("cannot render job script", err)
	}
	return buf.String(), nil
}

// quote wraps s in single quotes for sh.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
