// Package safety is the gate every destructive run has to pass. The
// checks run in a fixed order, the fatal ones (system disk, system
// mounts) have no override on purpose.
package safety

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/archlive/live-media-writer/internal/blockdev"
	"github.com/archlive/live-media-writer/internal/srcimage"
	"github.com/archlive/live-media-writer/internal/util"
)

const (
	// CapacityOverheadBytes is the slack kept free beyond the sum of
	// all payloads, partition alignment and table copies eat into the
	// raw device size.
	CapacityOverheadBytes = 10 * 1024 * 1024

	// MinSfdiskVersion is the oldest util-linux sfdisk with working
	// --json and --append script handling.
	MinSfdiskVersion = "2.27"

	// CountdownSeconds is the cancellation window granted before
	// destruction when confirmations are skipped with --yes.
	CountdownSeconds = 10
)

// WriteTools are the external commands a write run needs up front.
// Inline offline-repo builds additionally need pacrepo.RequiredTools.
var WriteTools = []string{
	"lsblk", "findmnt", "sfdisk", "sgdisk", "wipefs",
	"udevadm", "mount", "umount", "mkfs.ext4",
}

type InsufficientPrivilegeError struct {
	Euid int
}

func (e *InsufficientPrivilegeError) Error() string {
	return fmt.Sprintf("writing to block devices needs root, running with euid %d", e.Euid)
}

type MissingDependencyError struct {
	Tool string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("required tool %q not found in PATH", e.Tool)
}

type SystemDiskBlockedError struct {
	Device string
}

func (e *SystemDiskBlockedError) Error() string {
	return fmt.Sprintf("%s backs the running system, refusing to touch it", e.Device)
}

type SystemMountBlockedError struct {
	Device string
	Mounts []blockdev.MountedPath
}

func (e *SystemMountBlockedError) Error() string {
	mounts := make([]string, 0, len(e.Mounts))
	for _, m := range e.Mounts {
		mounts = append(mounts, fmt.Sprintf("%s on %s", m.Partition, m.Mountpoint))
	}
	return fmt.Sprintf("%s has partitions mounted on system paths (%s), refusing to touch it",
		e.Device, strings.Join(mounts, ", "))
}

type InsufficientCapacityError struct {
	Device         string
	RequiredBytes  uint64
	AvailableBytes uint64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("%s is too small: %s needed, %s available (%s short)",
		e.Device,
		humanize.IBytes(e.RequiredBytes),
		humanize.IBytes(e.AvailableBytes),
		humanize.IBytes(e.RequiredBytes-e.AvailableBytes))
}

// UserCancelledError aborts the run with its own exit code, it is not a
// failure of the tool.
type UserCancelledError struct{}

func (e *UserCancelledError) Error() string {
	return "cancelled by user"
}

var (
	osGeteuid    = os.Geteuid
	execLookPath = exec.LookPath
	runCmdOutput = util.RunCmdOutput

	isSystemDisk       = blockdev.IsSystemDisk
	mountedSystemPaths = blockdev.MountedSystemPaths

	countdownDelay = time.Second
)

var warnColor = color.New(color.FgRed, color.Bold)

// Gate runs the pre-destruction checks. Yes skips the interactive
// confirmations (the final one is replaced by a countdown, not
// removed). In and Out carry the prompt dialogue, they default to
// stdin/stderr.
type Gate struct {
	Yes bool
	In  io.Reader
	Out io.Writer
}

func (g *Gate) in() io.Reader {
	if g.In == nil {
		return os.Stdin
	}
	return g.In
}

func (g *Gate) out() io.Writer {
	if g.Out == nil {
		return os.Stderr
	}
	return g.Out
}

// promptYES requires a literal all-caps YES on a line of its own,
// anything else cancels.
func (g *Gate) promptYES(prompt string) error {
	fmt.Fprintf(g.out(), "%s\nType YES (all caps) to continue: ", prompt)
	scanner := bufio.NewScanner(g.in())
	if !scanner.Scan() {
		return &UserCancelledError{}
	}
	if scanner.Text() != "YES" {
		return &UserCancelledError{}
	}
	return nil
}

// CheckPrivilege is check 1.
func (g *Gate) CheckPrivilege() error {
	if euid := osGeteuid(); euid != 0 {
		return &InsufficientPrivilegeError{Euid: euid}
	}
	return nil
}

// CheckTools is check 2, it reports every missing tool, not only the
// first one.
func (g *Gate) CheckTools(tools []string) error {
	var errs []error
	for _, tool := range tools {
		if _, err := execLookPath(tool); err != nil {
			errs = append(errs, &MissingDependencyError{Tool: tool})
		}
	}
	return errors.Join(errs...)
}

// CheckSfdiskVersion guards the partitioning features the write path
// depends on, older sfdisk mangles --append scripts.
func (g *Gate) CheckSfdiskVersion() error {
	output, err := runCmdOutput("sfdisk", "--version")
	if err != nil {
		return fmt.Errorf("cannot determine the sfdisk version: %w", err)
	}
	// sfdisk prints "sfdisk from util-linux 2.40.2"
	fields := strings.Fields(strings.TrimSpace(string(output)))
	if len(fields) == 0 {
		return fmt.Errorf("cannot determine the sfdisk version from %q", string(output))
	}
	current, err := version.NewVersion(fields[len(fields)-1])
	if err != nil {
		return fmt.Errorf("cannot parse the sfdisk version from %q: %w", string(output), err)
	}
	minVersion := version.Must(version.NewVersion(MinSfdiskVersion))
	if current.LessThan(minVersion) {
		return fmt.Errorf("sfdisk version %q is lower than the minimum required version %q",
			current, minVersion)
	}
	return nil
}

// CheckSource is check 3. The size check already happened during
// inspection, what is left is the authenticity heuristic, overridable
// because custom respins may legitimately lack the markers.
func (g *Gate) CheckSource(src *srcimage.Info) error {
	if src.Verified() {
		return nil
	}
	unverified := &srcimage.UnverifiedError{Path: src.Path}
	if g.Yes {
		logrus.Warnf("%v, continuing anyway (--yes)", unverified)
		return nil
	}
	warnColor.Fprintf(g.out(), "Warning: %v.\n", unverified)
	return g.promptYES("The image may not be bootable Arch live media.")
}

// CheckDevice is check 4, the two checks that never prompt.
func (g *Gate) CheckDevice(dev *blockdev.Device) error {
	system, err := isSystemDisk(dev)
	if err != nil {
		return fmt.Errorf("cannot determine the system disk: %w", err)
	}
	if system {
		return &SystemDiskBlockedError{Device: dev.Path}
	}

	mounts, err := mountedSystemPaths(dev)
	if err != nil {
		return fmt.Errorf("cannot list system mounts on %s: %w", dev.Path, err)
	}
	if len(mounts) > 0 {
		return &SystemMountBlockedError{Device: dev.Path, Mounts: mounts}
	}
	return nil
}

// RequiredBytes sums what has to fit on the device when partitions are
// appended after the image, including the table slack overhead.
func RequiredBytes(isoBytes, repoBytes, persistentBytes uint64) uint64 {
	return isoBytes + repoBytes + CapacityOverheadBytes + persistentBytes
}

// CheckCapacity is check 5.
func (g *Gate) CheckCapacity(dev *blockdev.Device, requiredBytes uint64) error {
	if requiredBytes > dev.SizeBytes {
		return &InsufficientCapacityError{
			Device:         dev.Path,
			RequiredBytes:  requiredBytes,
			AvailableBytes: dev.SizeBytes,
		}
	}
	return nil
}

// ConfirmNonRemovable is check 6, a separate typed confirmation for
// any target that does not look like removable media.
func (g *Gate) ConfirmNonRemovable(dev *blockdev.Device) error {
	if dev.Removable || dev.Transport == "usb" || dev.Kind.VirtualOrRemote() {
		return nil
	}
	if g.Yes {
		logrus.Warnf("%s (%s) does not look removable, continuing anyway (--yes)", dev.Path, dev.Kind)
		return nil
	}
	warnColor.Fprintf(g.out(), "Warning: %s (%s, %s) does not look like removable media.\n",
		dev.Path, dev.Kind, humanize.IBytes(dev.SizeBytes))
	return g.promptYES("Overwriting an internal disk destroys the installed system.")
}

// ConfirmDestruction is check 7, the last stop before the wipe. With
// --yes it degrades to a fixed countdown so an interrupt can still
// cancel the run.
func (g *Gate) ConfirmDestruction(dev *blockdev.Device) error {
	warnColor.Fprintf(g.out(), "ALL DATA ON %s (%s, %s) WILL BE IRREVERSIBLY ERASED.\n",
		dev.Path, dev.Model, humanize.IBytes(dev.SizeBytes))
	if !g.Yes {
		return g.promptYES("This is the final confirmation.")
	}
	for i := CountdownSeconds; i > 0; i-- {
		fmt.Fprintf(g.out(), "\rStarting in %2d s, press Ctrl-C to abort...", i)
		time.Sleep(countdownDelay)
	}
	fmt.Fprintf(g.out(), "\n")
	return nil
}

// Run executes all checks in their documented order.
func (g *Gate) Run(dev *blockdev.Device, src *srcimage.Info, requiredBytes uint64, tools []string) error {
	if err := g.CheckPrivilege(); err != nil {
		return err
	}
	if err := g.CheckTools(tools); err != nil {
		return err
	}
	if err := g.CheckSfdiskVersion(); err != nil {
		return err
	}
	if err := g.CheckSource(src); err != nil {
		return err
	}
	if err := g.CheckDevice(dev); err != nil {
		return err
	}
	if err := g.CheckCapacity(dev, requiredBytes); err != nil {
		return err
	}
	if err := g.ConfirmNonRemovable(dev); err != nil {
		return err
	}
	return g.ConfirmDestruction(dev)
}
