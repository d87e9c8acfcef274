// Package pacrepo builds a self-contained offline package repository:
// a signed, indexed set of pacman packages packed into a compressed
// read-only EROFS image that can be written verbatim onto a partition.
package pacrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/archlive/live-media-writer/internal/cleanup"
	"github.com/archlive/live-media-writer/internal/util"
	"github.com/archlive/live-media-writer/pkg/progress"
)

const (
	// RepoName is the pacman repository name the database is created
	// under, the booted live system refers to it in its pacman.conf.
	RepoName = "archlive"
	// RepoLabel is the filesystem label of the packed image, used by
	// the live system to discover the payload partition.
	RepoLabel = "archlive-repo"

	DefaultOutput   = "archlive-repo.img"
	DefaultCacheDir = "/var/cache/pacman/pkg"

	// NumSubsteps is how many Substep calls one Build emits.
	NumSubsteps = 6
)

// RequiredTools lists the external commands a repo build invokes.
var RequiredTools = []string{"pacman", "pactree", "repo-add", "mkfs.erofs"}

type DependencyResolutionFailedError struct {
	Package string
	Err     error
}

func (e *DependencyResolutionFailedError) Error() string {
	msg := fmt.Sprintf("cannot resolve the dependency closure of %q", e.Package)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DependencyResolutionFailedError) Unwrap() error {
	return e.Err
}

type MissingSignatureError struct {
	File string
}

func (e *MissingSignatureError) Error() string {
	return fmt.Sprintf("package %s has no detached signature, offline installation requires signed packages", e.File)
}

// Options configures one repository build.
type Options struct {
	Packages []string
	Output   string
	CacheDir string
	Epoch    int64
}

// Image is the produced artifact.
type Image struct {
	Path      string
	SizeBytes uint64
	Packages  int
}

var (
	runCmdQuiet  = util.RunCmdQuiet
	runCmdOutput = util.RunCmdOutput
)

// ResolveEpoch picks the timestamp all repository content is normalized
// to: an explicit configuration value wins, then SOURCE_DATE_EPOCH,
// then the epoch itself.
func ResolveEpoch(explicit *int64) int64 {
	if explicit != nil {
		return *explicit
	}
	if v := os.Getenv("SOURCE_DATE_EPOCH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
		logrus.Warnf("ignoring malformed SOURCE_DATE_EPOCH %q", v)
	}
	return 0
}

func refreshIndex() error {
	if err := runCmdQuiet("pacman", "-Sy"); err != nil {
		return fmt.Errorf("cannot refresh the package index: %w", err)
	}
	return nil
}

// resolveClosure expands each requested package to its full transitive
// runtime dependency closure and dedupes the union.
func resolveClosure(packages []string) ([]string, error) {
	closure := map[string]bool{}
	for _, pkg := range packages {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		output, err := runCmdOutput("pactree", "-su", pkg)
		if err != nil {
			return nil, &DependencyResolutionFailedError{Package: pkg, Err: err}
		}
		found := false
		for _, line := range strings.Split(string(output), "\n") {
			name := strings.TrimSpace(line)
			if name == "" {
				continue
			}
			closure[name] = true
			found = true
		}
		if !found {
			return nil, &DependencyResolutionFailedError{Package: pkg}
		}
	}
	names := maps.Keys(closure)
	slices.Sort(names)
	return names, nil
}

func downloadPackages(names []string, cacheDir string) error {
	args := append([]string{"-Sw", "--noconfirm", "--cachedir", cacheDir}, names...)
	if err := runCmdQuiet("pacman", args...); err != nil {
		return fmt.Errorf("cannot download packages: %w", err)
	}
	return nil
}

// resolveFilenames maps package names to the archive filenames pacman
// downloaded, deduped: distinct names can resolve to the same file.
func resolveFilenames(names []string) ([]string, error) {
	args := append([]string{"-Sddp", "--print-format", "%l"}, names...)
	output, err := runCmdOutput("pacman", args...)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve package filenames: %w", err)
	}
	seen := map[string]bool{}
	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		file := filepath.Base(line)
		if seen[file] {
			continue
		}
		seen[file] = true
		files = append(files, file)
	}
	return files, nil
}

func stagePackages(files []string, cacheDir, stagingDir string) error {
	for _, file := range files {
		src := filepath.Join(cacheDir, file)
		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("downloaded package %s not found in cache: %w", file, err)
		}
		sig := src + ".sig"
		if _, err := os.Stat(sig); err != nil {
			if os.IsNotExist(err) {
				return &MissingSignatureError{File: file}
			}
			return fmt.Errorf("cannot stat the signature of %s: %w", file, err)
		}
		if err := util.CopyFile(src, filepath.Join(stagingDir, file)); err != nil {
			return err
		}
		if err := util.CopyFile(sig, filepath.Join(stagingDir, file+".sig")); err != nil {
			return err
		}
	}
	return nil
}

func buildDatabase(stagingDir string, files []string) error {
	args := []string{"-q", filepath.Join(stagingDir, RepoName+".db.tar.gz")}
	for _, file := range files {
		args = append(args, filepath.Join(stagingDir, file))
	}
	if err := runCmdQuiet("repo-add", args...); err != nil {
		return fmt.Errorf("cannot build the repository database: %w", err)
	}
	return nil
}

type manifestEntry struct {
	Name         string `yaml:"name"`
	Version      string `yaml:"version"`
	Architecture string `yaml:"architecture"`
	File         string `yaml:"file"`
	SizeBytes    int64  `yaml:"size"`
}

type manifest struct {
	Repository string          `yaml:"repository"`
	Epoch      int64           `yaml:"epoch"`
	Packages   []manifestEntry `yaml:"packages"`
}

func writeManifest(stagingDir string, files []string, epoch int64) error {
	m := manifest{Repository: RepoName, Epoch: epoch}
	for _, file := range files {
		path := filepath.Join(stagingDir, file)
		info, err := ReadPackageInfo(path)
		if err != nil {
			return err
		}
		fi, err := os.Stat(path)
		if err != nil {
			return err
		}
		m.Packages = append(m.Packages, manifestEntry{
			Name:         info.Name,
			Version:      info.Version,
			Architecture: info.Arch,
			File:         file,
			SizeBytes:    fi.Size(),
		})
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("cannot marshal the repo manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(stagingDir, "repo-manifest.yaml"), data, 0644)
}

// normalizeTree forces deterministic ownership, permissions and
// timestamps on the staged files. mkfs.erofs enforces the same via
// --all-root and -T, this keeps the staging directory itself stable
// for inspection and debugging.
func normalizeTree(root string, epoch int64) error {
	ts := time.Unix(epoch, 0)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			if err := os.Lchown(path, 0, 0); err != nil {
				logrus.WithError(err).Debugf("cannot chown %s", path)
			}
			return nil
		}
		mode := os.FileMode(0644)
		if d.IsDir() {
			mode = 0755
		}
		if err := os.Chmod(path, mode); err != nil {
			return err
		}
		if err := os.Chown(path, 0, 0); err != nil {
			logrus.WithError(err).Debugf("cannot chown %s", path)
		}
		return os.Chtimes(path, ts, ts)
	})
}

func packImage(stagingDir, output string, epoch int64) error {
	if err := os.Remove(output); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot replace %s: %w", output, err)
	}
	err := runCmdQuiet("mkfs.erofs",
		"-zlz4hc",
		"-L", RepoLabel,
		"--all-root",
		"-T", strconv.FormatInt(epoch, 10),
		output, stagingDir)
	if err != nil {
		return fmt.Errorf("cannot pack the repository image: %w", err)
	}
	return nil
}

// Build runs the whole pipeline and returns the packed image. The
// staging directory lives next to the output file and is always
// removed, only the image survives. Build emits NumSubsteps substeps
// on rep.
func Build(opts *Options, reg *cleanup.Registry, rep progress.Reporter) (*Image, error) {
	if len(opts.Packages) == 0 {
		return nil, fmt.Errorf("no packages requested for the offline repository")
	}
	output := opts.Output
	if output == "" {
		output = DefaultOutput
	}
	output, err := filepath.Abs(output)
	if err != nil {
		return nil, err
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}

	rep.Substep("Refreshing the package index")
	if err := refreshIndex(); err != nil {
		return nil, err
	}

	rep.Substep("Resolving the dependency closure")
	closure, err := resolveClosure(opts.Packages)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("resolved %d packages to %d closure members", len(opts.Packages), len(closure))

	rep.Substep("Downloading packages")
	if err := downloadPackages(closure, cacheDir); err != nil {
		return nil, err
	}
	files, err := resolveFilenames(closure)
	if err != nil {
		return nil, err
	}

	rep.Substep("Staging packages and signatures")
	stagingDir, err := os.MkdirTemp(filepath.Dir(output), ".archlive-repo-")
	if err != nil {
		return nil, fmt.Errorf("cannot create a staging directory: %w", err)
	}
	reg.RegisterDir(stagingDir)
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			logrus.WithError(err).Warnf("cannot remove the staging directory %s", stagingDir)
			return
		}
		reg.Unregister(stagingDir)
	}()

	if err := stagePackages(files, cacheDir, stagingDir); err != nil {
		return nil, err
	}

	rep.Substep("Building the repository database")
	if err := buildDatabase(stagingDir, files); err != nil {
		return nil, err
	}
	if err := writeManifest(stagingDir, files, opts.Epoch); err != nil {
		return nil, err
	}
	if err := normalizeTree(stagingDir, opts.Epoch); err != nil {
		return nil, fmt.Errorf("cannot normalize the staged tree: %w", err)
	}

	rep.Substep("Packing the EROFS image")
	reg.RegisterFile(output)
	if err := packImage(stagingDir, output, opts.Epoch); err != nil {
		return nil, err
	}
	fi, err := os.Stat(output)
	if err != nil {
		return nil, fmt.Errorf("cannot stat the packed image: %w", err)
	}
	reg.Unregister(output)

	return &Image{Path: output, SizeBytes: uint64(fi.Size()), Packages: len(files)}, nil
}
