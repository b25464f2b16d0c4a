package workflow

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
)

//go:embed policy/ingest.rego
var defaultIngestPolicy string

const ingestQuery = "data.ingest"

// loadPolicy reads all Rego files in policyDir and prepares the ingest query
func loadPolicy(ctx context.Context, policyDir string) (*rego.PreparedEvalQuery, error) {
	var files []string
	if policyDir != "" {
		matched, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to glob policy files")
		}
		files = matched
	}

	modules := make([]func(*rego.Rego), 0, len(files)+1)
	if len(files) == 0 {
		modules = append(modules, rego.Module("default/ingest.rego", defaultIngestPolicy))
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}

	return prepareQuery(ctx, modules, ingestQuery)
}

func prepareQuery(ctx context.Context, modules []func(*rego.Rego), query string) (*rego.PreparedEvalQuery, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(query), rego.EnablePrintStatements(true))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare query", goerr.V("query", query))
	}
	return &prepared, nil
}
