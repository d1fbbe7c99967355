package runtimes

import (
	"bytes"
	"encoding/json"
	"strings"
	"text/template"

	"github.com/runplane/runplane/pkg/engine"
)

const dockerfileTemplate = `FROM {{ .BaseImage }}
{{- if .Requirements }}
RUN pip install --no-cache-dir {{ join .Requirements }}
{{- end }}
{{- range .Commands }}
RUN {{ . }}
{{- end }}
{{- range .Instructions }}
{{ . }}
{{- end }}
{{- if .Entrypoint }}
ENTRYPOINT {{ .Entrypoint }}
{{- end }}
`

var dockerfileTmpl = template.Must(template.New("Dockerfile").Funcs(template.FuncMap{
	"join": func(items []string) string { return strings.Join(items, " ") },
}).Parse(dockerfileTemplate))

type dockerfileData struct {
	BaseImage    string
	Requirements []string
	Commands     []string
	Instructions []string
	Entrypoint   string
}

func renderDockerfile(view *jobView) (string, error) {
	data := dockerfileData{
		BaseImage:    view.imageRef(),
		Requirements: view.Requirements,
		Instructions: view.Instructions,
	}
	if view.Build != nil {
		if view.Build.BaseImage != "" {
			data.BaseImage = view.Build.BaseImage
		}
		data.Requirements = append(append([]string(nil), data.Requirements...), view.Build.Requirements...)
		data.Commands = view.Build.Commands
	}
	if data.BaseImage == "" {
		return "", engine.NewValidationError("build has no base image", nil)
	}

	if view.Command != "" {
		entry, err := json.Marshal(append([]string{view.Command}, view.Args...))
		if err != nil {
			return "", engine.NewValidationError("invalid entrypoint", err)
		}
		data.Entrypoint = string(entry)
	}

	var buf bytes.Buffer
	if err := dockerfileTmpl.Execute(&buf, data); err != nil {
		return "", engine.NewValidationError("failed to render Dockerfile", err)
	}
	return buf.String(), nil
}

func kanikoArgs(target string) []string {
	return []string{
		"--dockerfile=/workspace/Dockerfile",
		"--context=dir:///workspace",
		"--destination=" + target,
	}
}
