package loader

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"resty.dev/v3"
)

func newLoader() *Loader {
	return New(resty.New())
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"jobs": {"srv": {"executable": "echo"}}}`)

	doc, err := newLoader().Load(path)
	require.NoError(t, err)
	assert.Equal(t, "echo", doc.GetMap("jobs").GetMap("srv").GetString("executable"))
}

func TestLoadYAMLFileIsSchemaValidated(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "jobs:\n  srv:\n    endpoints: not-an-array\n")

	_, err := newLoader().Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigInvalid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newLoader().Load("/does/not/exist.json")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", "x = 1")

	_, err := newLoader().Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestLoadFromURLStripsQueryForFormatDetection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"variables": {"port": 8080}}`))
	}))
	defer srv.Close()

	doc, err := newLoader().Load(srv.URL + "/config.json?token=abc")
	require.NoError(t, err)
	port, _ := doc.GetMap("variables").Get("port")
	assert.Equal(t, 8080, port)
}

func TestLoadURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newLoader().Load(srv.URL + "/missing.json")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestLocalFolderResolvedAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json",
		`{"jobs": {"srv": {"source": {"localFolder": "./app"}}}}`)

	doc, err := newLoader().Load(path)
	require.NoError(t, err)

	folder := doc.GetMap("jobs").GetMap("srv").GetMap("source").GetString("localFolder")
	assert.Equal(t, filepath.Join(dir, "app"), folder)
}

func TestImportsMergedBeforeDocument(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.json",
		`{"variables": {"port": 8080, "region": "us"}, "jobs": {"srv": {"executable": "echo"}}}`)
	path := writeFile(t, dir, "config.json",
		`{"imports": ["base.json"], "variables": {"port": 9090}}`)

	doc, err := newLoader().Load(path)
	require.NoError(t, err)

	// The importing document wins scalar conflicts; imported keys survive.
	port, _ := doc.GetMap("variables").Get("port")
	assert.Equal(t, 9090, port)
	assert.Equal(t, "us", doc.GetMap("variables").GetString("region"))
	assert.Equal(t, "echo", doc.GetMap("jobs").GetMap("srv").GetString("executable"))
	assert.False(t, doc.Has("imports"))
}

func TestImportsRecurse(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "deep.json", `{"variables": {"deep": true}}`)
	writeFile(t, dir, "mid.json", `{"imports": ["deep.json"], "variables": {"mid": true}}`)
	path := writeFile(t, dir, "top.json", `{"imports": ["mid.json"]}`)

	doc, err := newLoader().Load(path)
	require.NoError(t, err)

	vars := doc.GetMap("variables")
	deep, _ := vars.Get("deep")
	mid, _ := vars.Get("mid")
	assert.Equal(t, true, deep)
	assert.Equal(t, true, mid)
}
