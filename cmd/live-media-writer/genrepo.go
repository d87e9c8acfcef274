package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/archlive/live-media-writer/internal/cleanup"
	"github.com/archlive/live-media-writer/internal/pacrepo"
	"github.com/archlive/live-media-writer/internal/runconfig"
	"github.com/archlive/live-media-writer/internal/safety"
	"github.com/archlive/live-media-writer/pkg/progress"
)

func splitPackageList(s string) []string {
	var packages []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			packages = append(packages, name)
		}
	}
	return packages
}

func readPackagesFile(path string) ([]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read the package list: %w", err)
	}

	var packages []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		packages = append(packages, line)
	}
	return packages, nil
}

// buildInlineRepo builds the repo image into a registered work
// directory during a write run. The image only lives until the
// provisioner has copied it onto its partition.
func buildInlineRepo(packages, cacheDir string, cfg *runconfig.Config, progressType string, reg *cleanup.Registry) (string, error) {
	workDir, err := os.MkdirTemp("", "archlive-write-")
	if err != nil {
		return "", fmt.Errorf("cannot create a work directory: %w", err)
	}
	reg.RegisterDir(workDir)

	rep, err := progress.New(progressType, 1)
	if err != nil {
		return "", err
	}
	rep.Start()
	defer rep.Stop()
	rep.BeginStep("Building the offline repository", pacrepo.NumSubsteps)

	img, err := pacrepo.Build(&pacrepo.Options{
		Packages: splitPackageList(packages),
		Output:   filepath.Join(workDir, pacrepo.DefaultOutput),
		CacheDir: cacheDir,
		Epoch:    pacrepo.ResolveEpoch(cfg.OfflineRepo.SourceDateEpoch),
	}, reg, rep)
	if err != nil {
		return "", err
	}
	return img.Path, nil
}

func cmdGenOfflineRepo(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	packagesFile, _ := cmd.Flags().GetString("packages-file")
	progressType, _ := cmd.Flags().GetString("progress")

	cfg, err := runconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}
	packagesFlag := stringOrConfig(cmd.Flags(), "packages", strings.Join(cfg.OfflineRepo.Packages, ","))
	output := stringOrConfig(cmd.Flags(), "output", cfg.OfflineRepo.Output)
	cacheDir := stringOrConfig(cmd.Flags(), "pacman-cache", cfg.OfflineRepo.PacmanCache)

	var packages []string
	if packagesFile != "" {
		if packages, err = readPackagesFile(packagesFile); err != nil {
			return err
		}
	} else {
		packages = splitPackageList(packagesFlag)
	}
	if len(packages) == 0 {
		return fmt.Errorf("no packages requested, use --packages or --packages-file")
	}

	gate := &safety.Gate{}
	if err := gate.CheckTools(pacrepo.RequiredTools); err != nil {
		return err
	}

	reg := cleanup.New()
	installSignalHandler(reg)
	defer reg.Unwind()

	rep, err := progress.New(progressType, 1)
	if err != nil {
		return err
	}
	rep.Start()
	rep.BeginStep("Building the offline repository", pacrepo.NumSubsteps)
	img, err := pacrepo.Build(&pacrepo.Options{
		Packages: packages,
		Output:   output,
		CacheDir: cacheDir,
		Epoch:    pacrepo.ResolveEpoch(cfg.OfflineRepo.SourceDateEpoch),
	}, reg, rep)
	rep.Stop()
	if err != nil {
		return err
	}

	fmt.Printf("Built %s (%s, %d packages)\n", img.Path, humanize.IBytes(img.SizeBytes), img.Packages)
	return nil
}
