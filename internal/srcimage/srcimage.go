// Package srcimage inspects the ISO image that is going to be written,
// mounting it read-only and scanning for the boot configuration markers
// Arch live media carries.
package srcimage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/archlive/live-media-writer/internal/cleanup"
	"github.com/archlive/live-media-writer/internal/util"
)

// MinSizeBytes is the smallest size a bootable ISO can plausibly have.
// Anything below this is a stray file, not an image.
const MinSizeBytes = 1 * 1024 * 1024

type TooSmallError struct {
	Path      string
	SizeBytes uint64
}

func (e *TooSmallError) Error() string {
	return fmt.Sprintf("source image %s is implausibly small (%s, at least %s expected)",
		e.Path, humanize.IBytes(e.SizeBytes), humanize.IBytes(MinSizeBytes))
}

type UnverifiedError struct {
	Path string
}

func (e *UnverifiedError) Error() string {
	return fmt.Sprintf("cannot verify %s as Arch Linux live media (no archiso markers found)", e.Path)
}

// Info describes the inspected source image. Label is the volume label
// the boot entries refer to, empty when it cannot be determined.
type Info struct {
	Path      string
	SizeBytes uint64

	HasArchDir  bool
	BootEntries bool
	Label       string
}

// Verified reports whether the image looks like Arch live media. Any
// single marker is accepted, a stripped-down respin may drop the others.
func (i *Info) Verified() bool {
	return i.HasArchDir || i.BootEntries
}

var (
	osStat = os.Stat

	runMount = func(image, mountpoint string) error {
		return util.RunCmdQuiet("mount", "-o", "loop,ro", image, mountpoint)
	}
	runUnmount = func(mountpoint string) error {
		return util.RunCmdQuiet("umount", mountpoint)
	}
)

var archisoLabelRe = regexp.MustCompile(`archisolabel=(\S+)`)

// bootEntryGlobs are the places archiso generates boot configuration
// into, systemd-boot entries for UEFI and syslinux for BIOS.
var bootEntryGlobs = []string{
	"loader/entries/*.conf",
	"syslinux/*.cfg",
	"boot/syslinux/*.cfg",
}

func scanTree(root string, info *Info) error {
	if fi, err := osStat(filepath.Join(root, "arch")); err == nil && fi.IsDir() {
		info.HasArchDir = true
	}

	for _, pattern := range bootEntryGlobs {
		matches, err := filepath.Glob(filepath.Join(root, pattern))
		if err != nil {
			return fmt.Errorf("cannot scan boot entries: %w", err)
		}
		for _, match := range matches {
			data, err := os.ReadFile(match)
			if err != nil {
				logrus.WithError(err).Debugf("cannot read boot entry %s", match)
				continue
			}
			text := string(data)
			if !strings.Contains(text, "archisobasedir=") && !strings.Contains(text, "archisolabel=") {
				continue
			}
			info.BootEntries = true
			if info.Label == "" {
				if m := archisoLabelRe.FindStringSubmatch(text); m != nil {
					info.Label = m[1]
				}
			}
		}
	}
	return nil
}

// Inspect stats and mounts the source image and collects the markers
// that identify it as live media. The transient mount is registered
// with reg so an interrupt mid-scan still unwinds it.
func Inspect(path string, reg *cleanup.Registry) (*Info, error) {
	fi, err := osStat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat source image: %w", err)
	}
	if uint64(fi.Size()) < MinSizeBytes {
		return nil, &TooSmallError{Path: path, SizeBytes: uint64(fi.Size())}
	}
	info := &Info{Path: path, SizeBytes: uint64(fi.Size())}

	mountpoint, err := os.MkdirTemp("", "archlive-src-")
	if err != nil {
		return nil, fmt.Errorf("cannot create a mountpoint for the source image: %w", err)
	}
	reg.RegisterDir(mountpoint)

	if err := runMount(path, mountpoint); err != nil {
		return nil, fmt.Errorf("cannot mount source image: %w", err)
	}
	reg.RegisterMount(mountpoint)

	scanErr := scanTree(mountpoint, info)

	if err := runUnmount(mountpoint); err != nil {
		// leave the mount registered, the final unwind retries it
		logrus.WithError(err).Warnf("cannot unmount source image from %s", mountpoint)
	} else {
		reg.Unregister(mountpoint)
		if err := os.RemoveAll(mountpoint); err != nil {
			logrus.WithError(err).Warnf("cannot remove %s", mountpoint)
		} else {
			reg.Unregister(mountpoint)
		}
	}

	if scanErr != nil {
		return nil, scanErr
	}
	return info, nil
}
