package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/archlive/live-media-writer/internal/blockdev"
	"github.com/archlive/live-media-writer/internal/cleanup"
	"github.com/archlive/live-media-writer/internal/pacrepo"
	"github.com/archlive/live-media-writer/internal/provision"
	"github.com/archlive/live-media-writer/internal/runconfig"
	"github.com/archlive/live-media-writer/internal/safety"
	"github.com/archlive/live-media-writer/internal/sizeparse"
	"github.com/archlive/live-media-writer/internal/srcimage"
	"github.com/archlive/live-media-writer/internal/writer"
	"github.com/archlive/live-media-writer/pkg/progress"
)

var osExit = os.Exit

// installSignalHandler makes an interrupt unwind the registered
// transient resources before exiting. Device changes already committed
// are not undone, only mounts and temp files.
func installSignalHandler(reg *cleanup.Registry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\ninterrupted by %s, cleaning up\n", sig)
		reg.Unwind()
		osExit(130)
	}()
}

// stringOrConfig resolves a string setting, an explicitly set flag wins
// over the config profile which wins over the flag default.
func stringOrConfig(flags *pflag.FlagSet, flag, configValue string) string {
	value, _ := flags.GetString(flag)
	if !flags.Changed(flag) && configValue != "" {
		return configValue
	}
	return value
}

func isRegularFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func cmdWrite(cmd *cobra.Command, args []string) error {
	isoPath, _ := cmd.Flags().GetString("iso")
	devicePath, _ := cmd.Flags().GetString("device")
	yes, _ := cmd.Flags().GetBool("yes")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	configPath, _ := cmd.Flags().GetString("config")

	// a dry run communicates through info logging, make sure it shows
	if dryRun && logrus.GetLevel() < logrus.InfoLevel {
		logrus.SetLevel(logrus.InfoLevel)
	}

	cfg, err := runconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("cannot load config: %w", err)
	}
	persistent := stringOrConfig(cmd.Flags(), "persistent", cfg.Write.PersistentSize)
	offline := stringOrConfig(cmd.Flags(), "offline", cfg.Write.Offline)
	cacheDir := stringOrConfig(cmd.Flags(), "pacman-cache", cfg.Write.PacmanCache)
	progressType := stringOrConfig(cmd.Flags(), "progress", cfg.Write.Progress)

	gate := &safety.Gate{Yes: yes}
	if err := gate.CheckPrivilege(); err != nil {
		return err
	}
	inline := offline != "" && !isRegularFile(offline)
	tools := safety.WriteTools
	if inline {
		tools = append(append([]string{}, tools...), pacrepo.RequiredTools...)
	}
	if err := gate.CheckTools(tools); err != nil {
		return err
	}

	reg := cleanup.New()
	installSignalHandler(reg)
	defer reg.Unwind()

	dev, err := blockdev.Resolve(devicePath)
	if err != nil {
		return err
	}
	src, err := srcimage.Inspect(isoPath, reg)
	if err != nil {
		return err
	}

	var requests []provision.Request
	if offline != "" {
		imagePath := offline
		if inline {
			if imagePath, err = buildInlineRepo(offline, cacheDir, cfg, progressType, reg); err != nil {
				return err
			}
		}
		requests = append(requests, provision.Request{
			Role:      provision.RoleOfflineRepo,
			ImagePath: imagePath,
		})
	}
	if persistent != "" {
		req := provision.Request{Role: provision.RolePersistent}
		if persistent != "all" {
			if req.SizeBytes, err = sizeparse.Parse(persistent); err != nil {
				return fmt.Errorf("cannot parse the persistent size: %w", err)
			}
		}
		requests = append(requests, req)
	}

	opts := &writer.Options{
		Device:   dev,
		Source:   src,
		Requests: requests,
		DryRun:   dryRun,
	}
	rep, err := progress.New(progressType, writer.TotalSteps(opts))
	if err != nil {
		return err
	}
	if err := writer.Run(opts, gate, rep); err != nil {
		return err
	}

	if dryRun {
		fmt.Printf("Dry run complete, %s was not modified\n", devicePath)
	} else {
		fmt.Printf("Wrote %s onto %s\n", isoPath, devicePath)
	}
	return nil
}

func run() error {
	logrus.SetLevel(logrus.ErrorLevel)

	rootCmd := &cobra.Command{
		Use:  "live-media-writer",
		Long: "write Arch Linux live images onto removable media",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logrus.SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print debug logging")

	writeCmd := &cobra.Command{
		Use:                   "write",
		Long:                  "write a live ISO onto a block device, optionally adding offline-repo and persistent partitions",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  cmdWrite,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(writeCmd)
	writeCmd.Flags().StringP("iso", "i", "", "path of the live ISO to write")
	writeCmd.Flags().StringP("device", "d", "", "target block device, the whole disk")
	writeCmd.Flags().StringP("persistent", "p", "", "add a persistent storage partition, optionally sized (512M, 4G, ...)")
	writeCmd.Flags().Lookup("persistent").NoOptDefVal = "all"
	writeCmd.Flags().StringP("offline", "o", "", "offline repository: prebuilt image path or comma separated package list")
	writeCmd.Flags().String("pacman-cache", pacrepo.DefaultCacheDir, "pacman package cache directory")
	writeCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompts")
	writeCmd.Flags().Bool("dry-run", false, "log destructive actions instead of performing them")
	writeCmd.Flags().String("config", "", `run profile file, json or toml, "-" for stdin`)
	writeCmd.Flags().String("progress", "auto", "type of progress bar to use")
	for _, fname := range []string{"iso", "device"} {
		if err := writeCmd.MarkFlagRequired(fname); err != nil {
			return err
		}
	}
	for _, fname := range []string{"iso", "config"} {
		if err := writeCmd.MarkFlagFilename(fname); err != nil {
			return err
		}
	}
	if err := writeCmd.MarkFlagDirname("pacman-cache"); err != nil {
		return err
	}

	genRepoCmd := &cobra.Command{
		Use:                   "gen-offline-repo",
		Long:                  "build an offline package repository image for later use with write --offline",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  cmdGenOfflineRepo,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(genRepoCmd)
	genRepoCmd.Flags().StringP("packages", "p", "", "comma separated package names to include")
	genRepoCmd.Flags().String("packages-file", "", "file with one package name per line, # starts a comment")
	genRepoCmd.Flags().StringP("output", "o", pacrepo.DefaultOutput, "output image path")
	genRepoCmd.Flags().String("pacman-cache", pacrepo.DefaultCacheDir, "pacman package cache directory")
	genRepoCmd.Flags().String("config", "", `run profile file, json or toml, "-" for stdin`)
	genRepoCmd.Flags().String("progress", "auto", "type of progress bar to use")
	for _, fname := range []string{"packages-file", "config"} {
		if err := genRepoCmd.MarkFlagFilename(fname); err != nil {
			return err
		}
	}
	if err := genRepoCmd.MarkFlagDirname("pacman-cache"); err != nil {
		return err
	}
	genRepoCmd.MarkFlagsMutuallyExclusive("packages", "packages-file")

	listCmd := &cobra.Command{
		Use:                   "list-devices",
		Long:                  "list block devices a live image can be written to",
		Args:                  cobra.NoArgs,
		DisableFlagsInUseLine: true,
		RunE:                  cmdListDevices,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().String("format", "text", "output format (text, json, yaml)")

	return rootCmd.Execute()
}

func exitCodeFor(err error) int {
	var cancelErr *safety.UserCancelledError
	if errors.As(err, &cancelErr) {
		return 2
	}
	return 1
}

func main() {
	if err := run(); err != nil {
		osExit(exitCodeFor(err))
	}
}
