// Package loader fetches and parses configuration documents: local files or
// URLs, JSON or YAML, with schema validation, local path normalization, and
// recursive import expansion.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourceplane/benchctl/internal/dyn"
	"github.com/sourceplane/benchctl/internal/schema"
	"resty.dev/v3"
)

// Sentinel error kinds surfaced to the CLI. Callers test with errors.Is.
var (
	ErrConfigNotFound    = errors.New("configuration not found")
	ErrUnsupportedFormat = errors.New("unsupported configuration format")
	ErrConfigInvalid     = errors.New("invalid configuration")
)

// Loader fetches configuration documents. URLs are fetched with the shared
// HTTP client; everything else is read from disk.
type Loader struct {
	http *resty.Client
}

// New creates a loader around the shared HTTP client.
func New(client *resty.Client) *Loader {
	return &Loader{http: client}
}

// Load fetches one configuration source, parses it, validates YAML
// documents against the benchmarks schema, normalizes local folder paths,
// and expands imports recursively. The returned tree no longer contains an
// imports key.
func (l *Loader) Load(source string) (*dyn.Map, error) {
	data, err := l.fetch(source)
	if err != nil {
		return nil, err
	}

	format, err := detectFormat(source)
	if err != nil {
		return nil, err
	}

	doc, err := dyn.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, source, err)
	}

	if format == formatYAML {
		if err := schema.Validate(dyn.ToPlain(doc), source); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigInvalid, source, err)
		}
	}

	if !isURL(source) {
		resolveLocalFolders(doc, filepath.Dir(source))
	}

	return l.expandImports(doc, source)
}

type format int

const (
	formatJSON format = iota
	formatYAML
)

// detectFormat picks the parser from the file extension, ignoring any URL
// query string.
func detectFormat(source string) (format, error) {
	path := source
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yml", ".yaml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, source)
	}
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http")
}

func (l *Loader) fetch(source string) ([]byte, error) {
	if isURL(source) {
		res, err := l.http.R().Get(source)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, source, err)
		}
		if res.IsError() {
			return nil, fmt.Errorf("%w: %s: HTTP %d", ErrConfigNotFound, source, res.StatusCode())
		}
		return res.Bytes(), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfigNotFound, source, err)
	}
	return data, nil
}

// resolveLocalFolders rewrites every job's relative source.localFolder to an
// absolute path anchored at the configuration file's directory. Applies to
// local documents only.
func resolveLocalFolders(doc *dyn.Map, baseDir string) {
	jobs := doc.GetMap("jobs")
	if jobs == nil {
		return
	}
	for _, name := range jobs.Keys() {
		job := jobs.GetMap(name)
		if job == nil {
			continue
		}
		src := job.GetMap("source")
		if src == nil {
			continue
		}
		folder := src.GetString("localFolder")
		if folder == "" || isURL(folder) || filepath.IsAbs(folder) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(baseDir, folder))
		if err != nil {
			continue
		}
		src.Set("localFolder", abs)
	}
}

// expandImports loads each entry of the document's imports array and merges
// it under the current document: imports form the base, later imports patch
// earlier ones, and the importing document patches the lot. The imports key
// is removed from the result.
func (l *Loader) expandImports(doc *dyn.Map, source string) (*dyn.Map, error) {
	imports := doc.GetSlice("imports")
	if imports == nil {
		return doc, nil
	}
	doc.Delete("imports")

	merged := dyn.NewMap()
	for _, entry := range imports {
		ref, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s: imports entries must be strings", ErrConfigInvalid, source)
		}
		imported, err := l.Load(l.resolveImport(ref, source))
		if err != nil {
			return nil, fmt.Errorf("failed to load import %q of %s: %w", ref, source, err)
		}
		dyn.Patch(merged, imported)
	}
	dyn.Patch(merged, doc)
	return merged, nil
}

// resolveImport anchors relative file imports at the importing document's
// directory. URLs and absolute paths pass through.
func (l *Loader) resolveImport(ref, source string) string {
	if isURL(ref) || filepath.IsAbs(ref) || isURL(source) {
		return ref
	}
	return filepath.Join(filepath.Dir(source), ref)
}
