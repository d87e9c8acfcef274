package runconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlive/live-media-writer/internal/runconfig"
)

var expectedConfig = &runconfig.Config{
	Write: runconfig.WriteConfig{
		PersistentSize: "4G",
		PacmanCache:    "/srv/pacman-cache",
	},
	OfflineRepo: runconfig.OfflineRepoConfig{
		Packages: []string{"base", "linux", "iwd"},
		Output:   "repo.img",
	},
}

var fakeConfigJSON = `{
  "write": {
    "persistent-size": "4G",
    "pacman-cache": "/srv/pacman-cache"
  },
  "offline-repo": {
    "packages": ["base", "linux", "iwd"],
    "output": "repo.img"
  }
}`

var fakeConfigToml = `
[write]
persistent-size = "4G"
pacman-cache = "/srv/pacman-cache"

[offline-repo]
packages = ["base", "linux", "iwd"]
output = "repo.img"
`

func makeFakeConfig(t *testing.T, filename, content string) string {
	tmpdir := t.TempDir()
	fakeCfgPath := filepath.Join(tmpdir, filename)
	err := os.WriteFile(fakeCfgPath, []byte(content), 0644)
	assert.NoError(t, err)
	return fakeCfgPath
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := runconfig.Load("")
	assert.NoError(t, err)
	assert.Equal(t, &runconfig.Config{}, cfg)
}

func TestLoadUserProvidedConfig(t *testing.T) {
	for _, tc := range []struct {
		fname   string
		content string
	}{
		{"profile.toml", fakeConfigToml},
		{"profile.json", fakeConfigJSON},
	} {
		fakeCnfPath := makeFakeConfig(t, tc.fname, tc.content)

		cfg, err := runconfig.Load(fakeCnfPath)
		assert.NoError(t, err)
		assert.Equal(t, expectedConfig, cfg)
	}
}

func TestLoadWrongFormat(t *testing.T) {
	for _, tc := range []struct {
		fname, content string
		expectedErr    string
	}{
		// wrong content, json in a toml file and vice-versa
		{"profile.toml", fakeConfigJSON, "cannot decode"},
		{"profile.json", fakeConfigToml, "cannot decode"},
	} {
		fakeCnfPath := makeFakeConfig(t, tc.fname, tc.content)

		_, err := runconfig.Load(fakeCnfPath)
		assert.ErrorContains(t, err, tc.expectedErr)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "profile.yaml", "write:\n")
	_, err := runconfig.Load(fakeCnfPath)
	assert.ErrorContains(t, err, "unsupported file extension")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := runconfig.Load("/does/not/exist/profile.toml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestJSONUnknownKeysError(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "profile.json", `
{
  "birds": [
	{
	  "name": "toucan"
	}
  ]
}
`)
	_, err := runconfig.Load(fakeCnfPath)
	assert.ErrorContains(t, err, `json: unknown field "birds"`)
}

func TestJSONTrailingGarbageError(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "profile.json", `{"write": {}} {"write": {}}`)
	_, err := runconfig.Load(fakeCnfPath)
	assert.ErrorContains(t, err, "multiple configuration objects or extra data")
}

func TestTomlUnknownKeysError(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "profile.toml", `
[write]
persistent-size = "4G"

[birds]
name = "toucan"
`)
	_, err := runconfig.Load(fakeCnfPath)
	assert.ErrorContains(t, err, "unknown keys found")
}

func TestLoadSourceDateEpoch(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "profile.toml", `
[offline-repo]
source-date-epoch = 1723456789
`)
	cfg, err := runconfig.Load(fakeCnfPath)
	require.NoError(t, err)
	require.NotNil(t, cfg.OfflineRepo.SourceDateEpoch)
	assert.Equal(t, int64(1723456789), *cfg.OfflineRepo.SourceDateEpoch)
}

func TestLoadFromStdin(t *testing.T) {
	fakeCnfPath := makeFakeConfig(t, "fake-stdin", fakeConfigJSON)
	fakeStdinFp, err := os.Open(fakeCnfPath)
	require.NoError(t, err)
	defer fakeStdinFp.Close()

	restore := runconfig.MockOsStdin(fakeStdinFp)
	defer restore()

	cfg, err := runconfig.Load("-")
	assert.NoError(t, err)
	assert.Equal(t, expectedConfig, cfg)
}
