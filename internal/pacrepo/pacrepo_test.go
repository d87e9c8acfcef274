package pacrepo_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/archlive/live-media-writer/internal/cleanup"
	"github.com/archlive/live-media-writer/internal/pacrepo"
)

type recordingReporter struct {
	substeps []string
}

func (r *recordingReporter) BeginStep(name string, substeps int) {}

func (r *recordingReporter) Substep(name string) {
	r.substeps = append(r.substeps, name)
}

func (r *recordingReporter) SetBytes(done, total int64) {}

func (r *recordingReporter) SetMessagef(fmt string, args ...interface{}) {}

func (r *recordingReporter) Start() {}

func (r *recordingReporter) Stop() {}

func TestResolveClosure(t *testing.T) {
	trees := map[string]string{
		"base":  "base\nfilesystem\nglibc\n",
		"linux": "linux\nglibc\ncoreutils\n",
	}
	restore := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		assert.Equal(t, "pactree", name)
		assert.Equal(t, []string{"-su", args[1]}, args)
		return []byte(trees[args[1]]), nil
	})
	defer restore()

	closure, err := pacrepo.ResolveClosure([]string{"base", "linux", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "coreutils", "filesystem", "glibc", "linux"}, closure)
}

func TestResolveClosureUnknownPackage(t *testing.T) {
	restore := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("error running pactree -su no-such-pkg: exit status 1")
	})
	defer restore()

	_, err := pacrepo.ResolveClosure([]string{"no-such-pkg"})
	var depErr *pacrepo.DependencyResolutionFailedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "no-such-pkg", depErr.Package)
	assert.Contains(t, err.Error(), "cannot resolve the dependency closure")
}

func TestResolveClosureEmpty(t *testing.T) {
	restore := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		return []byte("\n"), nil
	})
	defer restore()

	_, err := pacrepo.ResolveClosure([]string{"ghost"})
	var depErr *pacrepo.DependencyResolutionFailedError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "ghost", depErr.Package)
}

func TestResolveFilenames(t *testing.T) {
	restore := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		assert.Equal(t, "pacman", name)
		assert.Equal(t, "-Sddp", args[0])
		return []byte(strings.Join([]string{
			"https://mirror.example.org/core/os/x86_64/base-3-2-any.pkg.tar.zst",
			"file:///var/cache/pacman/pkg/glibc-2.39-1-x86_64.pkg.tar.zst",
			"https://mirror.example.org/core/os/x86_64/base-3-2-any.pkg.tar.zst",
			"",
		}, "\n")), nil
	})
	defer restore()

	files, err := pacrepo.ResolveFilenames([]string{"base", "glibc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base-3-2-any.pkg.tar.zst", "glibc-2.39-1-x86_64.pkg.tar.zst"}, files)
}

func TestStagePackages(t *testing.T) {
	cache := t.TempDir()
	staging := t.TempDir()
	makeZstPkg(t, cache, "iwd-2.19-1-x86_64.pkg.tar.zst", "iwd", "2.19-1", "x86_64")
	require.NoError(t, os.WriteFile(filepath.Join(cache, "iwd-2.19-1-x86_64.pkg.tar.zst.sig"), []byte("sig"), 0644))

	err := pacrepo.StagePackages([]string{"iwd-2.19-1-x86_64.pkg.tar.zst"}, cache, staging)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(staging, "iwd-2.19-1-x86_64.pkg.tar.zst"))
	assert.FileExists(t, filepath.Join(staging, "iwd-2.19-1-x86_64.pkg.tar.zst.sig"))
}

func TestStagePackagesMissingSignature(t *testing.T) {
	cache := t.TempDir()
	staging := t.TempDir()
	makeZstPkg(t, cache, "iwd-2.19-1-x86_64.pkg.tar.zst", "iwd", "2.19-1", "x86_64")

	err := pacrepo.StagePackages([]string{"iwd-2.19-1-x86_64.pkg.tar.zst"}, cache, staging)
	var sigErr *pacrepo.MissingSignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, "iwd-2.19-1-x86_64.pkg.tar.zst", sigErr.File)
}

func TestStagePackagesMissingPackage(t *testing.T) {
	err := pacrepo.StagePackages([]string{"void.pkg.tar.zst"}, t.TempDir(), t.TempDir())
	assert.ErrorContains(t, err, "not found in cache")
}

func TestWriteManifest(t *testing.T) {
	staging := t.TempDir()
	makeZstPkg(t, staging, "iwd-2.19-1-x86_64.pkg.tar.zst", "iwd", "2.19-1", "x86_64")
	makeXzPkg(t, staging, "base-3-2-any.pkg.tar.xz", "base", "3-2", "any")

	err := pacrepo.WriteManifest(staging, []string{"iwd-2.19-1-x86_64.pkg.tar.zst", "base-3-2-any.pkg.tar.xz"}, 1723456789)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(staging, "repo-manifest.yaml"))
	require.NoError(t, err)

	var got struct {
		Repository string `yaml:"repository"`
		Epoch      int64  `yaml:"epoch"`
		Packages   []struct {
			Name         string `yaml:"name"`
			Version      string `yaml:"version"`
			Architecture string `yaml:"architecture"`
			File         string `yaml:"file"`
			Size         int64  `yaml:"size"`
		} `yaml:"packages"`
	}
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "archlive", got.Repository)
	assert.Equal(t, int64(1723456789), got.Epoch)
	require.Len(t, got.Packages, 2)
	assert.Equal(t, "iwd", got.Packages[0].Name)
	assert.Equal(t, "2.19-1", got.Packages[0].Version)
	assert.Equal(t, "x86_64", got.Packages[0].Architecture)
	assert.Greater(t, got.Packages[0].Size, int64(0))
	assert.Equal(t, "base", got.Packages[1].Name)
}

func TestNormalizeTree(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0700))
	file := filepath.Join(sub, "pkg.tar.zst")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	require.NoError(t, pacrepo.NormalizeTree(root, 0))

	fi, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), fi.Mode().Perm())
	assert.Equal(t, int64(0), fi.ModTime().Unix())

	di, err := os.Stat(sub)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), di.Mode().Perm())
}

func TestResolveEpoch(t *testing.T) {
	explicit := int64(42)
	assert.Equal(t, int64(42), pacrepo.ResolveEpoch(&explicit))

	t.Setenv("SOURCE_DATE_EPOCH", "1723456789")
	assert.Equal(t, int64(1723456789), pacrepo.ResolveEpoch(nil))

	t.Setenv("SOURCE_DATE_EPOCH", "not-a-number")
	assert.Equal(t, int64(0), pacrepo.ResolveEpoch(nil))

	t.Setenv("SOURCE_DATE_EPOCH", "")
	assert.Equal(t, int64(0), pacrepo.ResolveEpoch(nil))
}

func TestBuildHappy(t *testing.T) {
	workdir := t.TempDir()
	cache := filepath.Join(workdir, "cache")
	require.NoError(t, os.Mkdir(cache, 0755))
	output := filepath.Join(workdir, "repo.img")

	for _, pkg := range []struct{ file, name, version string }{
		{"base-3-2-any.pkg.tar.zst", "base", "3-2"},
		{"iwd-2.19-1-x86_64.pkg.tar.zst", "iwd", "2.19-1"},
	} {
		makeZstPkg(t, cache, pkg.file, pkg.name, pkg.version, "x86_64")
		require.NoError(t, os.WriteFile(filepath.Join(cache, pkg.file+".sig"), []byte("sig"), 0644))
	}

	var commands []string
	restoreQuiet := pacrepo.MockRunCmdQuiet(func(name string, args ...string) error {
		commands = append(commands, name+" "+args[0])
		if name == "mkfs.erofs" {
			return os.WriteFile(args[len(args)-2], []byte("fake-erofs-image"), 0644)
		}
		return nil
	})
	defer restoreQuiet()

	restoreOutput := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		commands = append(commands, name+" "+args[0])
		switch name {
		case "pactree":
			return []byte(args[1] + "\nglibc\n"), nil
		case "pacman":
			return []byte("https://mirror/core/base-3-2-any.pkg.tar.zst\n" +
				"https://mirror/core/iwd-2.19-1-x86_64.pkg.tar.zst\n" +
				"https://mirror/core/glibc-2.39-1-x86_64.pkg.tar.zst\n"), nil
		}
		return nil, fmt.Errorf("unexpected command %s", name)
	})
	defer restoreOutput()

	// glibc resolves into the closure but its archive is also staged
	makeZstPkg(t, cache, "glibc-2.39-1-x86_64.pkg.tar.zst", "glibc", "2.39-1", "x86_64")
	require.NoError(t, os.WriteFile(filepath.Join(cache, "glibc-2.39-1-x86_64.pkg.tar.zst.sig"), []byte("sig"), 0644))

	reg := cleanup.New()
	rep := &recordingReporter{}
	img, err := pacrepo.Build(&pacrepo.Options{
		Packages: []string{"base", "iwd"},
		Output:   output,
		CacheDir: cache,
	}, reg, rep)
	require.NoError(t, err)

	assert.Equal(t, output, img.Path)
	assert.Equal(t, uint64(len("fake-erofs-image")), img.SizeBytes)
	assert.Equal(t, 3, img.Packages)

	assert.Equal(t, []string{
		"pacman -Sy",
		"pactree -su",
		"pactree -su",
		"pacman -Sw",
		"pacman -Sddp",
		"repo-add -q",
		"mkfs.erofs -zlz4hc",
	}, commands)

	assert.Equal(t, []string{
		"Refreshing the package index",
		"Resolving the dependency closure",
		"Downloading packages",
		"Staging packages and signatures",
		"Building the repository database",
		"Packing the EROFS image",
	}, rep.substeps)

	// staging is gone, the image survives the cleanup unwind
	entries, err := os.ReadDir(workdir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"cache", "repo.img"}, names)

	reg.Unwind()
	assert.FileExists(t, output)
}

func TestBuildNoPackages(t *testing.T) {
	_, err := pacrepo.Build(&pacrepo.Options{}, cleanup.New(), &recordingReporter{})
	assert.ErrorContains(t, err, "no packages requested")
}

func TestBuildMissingSignatureCleansUp(t *testing.T) {
	workdir := t.TempDir()
	cache := filepath.Join(workdir, "cache")
	require.NoError(t, os.Mkdir(cache, 0755))
	output := filepath.Join(workdir, "repo.img")
	makeZstPkg(t, cache, "base-3-2-any.pkg.tar.zst", "base", "3-2", "any")

	restoreQuiet := pacrepo.MockRunCmdQuiet(func(name string, args ...string) error {
		return nil
	})
	defer restoreQuiet()
	restoreOutput := pacrepo.MockRunCmdOutput(func(name string, args ...string) ([]byte, error) {
		switch name {
		case "pactree":
			return []byte("base\n"), nil
		default:
			return []byte("https://mirror/core/base-3-2-any.pkg.tar.zst\n"), nil
		}
	})
	defer restoreOutput()

	reg := cleanup.New()
	_, err := pacrepo.Build(&pacrepo.Options{
		Packages: []string{"base"},
		Output:   output,
		CacheDir: cache,
	}, reg, &recordingReporter{})
	var sigErr *pacrepo.MissingSignatureError
	require.ErrorAs(t, err, &sigErr)

	// no staging directory leaks next to the output
	entries, err := os.ReadDir(workdir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cache", entries[0].Name())
}
