package fix

import (
	"os"
	"path/filepath"
)

const (
	RuntimeGo      = "go"
	RuntimeNode    = "node"
	RuntimePython  = "python"
	RuntimeDefault = "default"
)

// Runtime is one row of the runtime table: the sandbox image and the
// verification commands run after the agent finishes. Empty commands are
// skipped.
type Runtime struct {
	Image string `yaml:"image"`
	Build string `yaml:"build"`
	Lint  string `yaml:"lint"`
	Test  string `yaml:"test"`
}

func DefaultRuntimes() map[string]Runtime {
	return map[string]Runtime{
		RuntimeGo: {
			Image: "golang:1.25",
			Build: "go build ./...",
			Lint:  "go vet ./...",
			Test:  "go test ./...",
		},
		RuntimeNode: {
			Image: "node:22",
			Build: "npm run build --if-present",
			Lint:  "npm run lint --if-present",
			Test:  "npm test --if-present",
		},
		RuntimePython: {
			Image: "python:3.12",
			Build: "python -m compileall -q .",
			Test:  "python -m pytest -q",
		},
		RuntimeDefault: {
			Image: "ubuntu:24.04",
		},
	}
}

// DetectRuntime picks the runtime from marker files at the repository root
func DetectRuntime(dir string) string {
	markers := []struct {
		file    string
		runtime string
	}{
		{"go.mod", RuntimeGo},
		{"package.json", RuntimeNode},
		{"requirements.txt", RuntimePython},
		{"pyproject.toml", RuntimePython},
	}

	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.runtime
		}
	}
	return RuntimeDefault
}

// Images projects the runtime table onto the sandbox image mapping
func Images(runtimes map[string]Runtime) map[string]string {
	images := make(map[string]string, len(runtimes))
	for name, rt := range runtimes {
		if rt.Image != "" {
			images[name] = rt.Image
		}
	}
	return images
}
