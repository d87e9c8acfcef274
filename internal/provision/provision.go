// Package provision appends and initializes the extra partitions after
// the live image has been written: the offline package repository and
// the persistent storage filesystem.
package provision

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/archlive/live-media-writer/internal/parttable"
	"github.com/archlive/live-media-writer/internal/rawcopy"
	"github.com/archlive/live-media-writer/internal/sizeparse"
	"github.com/archlive/live-media-writer/internal/util"
	"github.com/archlive/live-media-writer/pkg/progress"
)

// Role selects the payload a new partition receives.
type Role int

const (
	// RoleOfflineRepo carries the prepared EROFS package repository.
	// Always provisioned first so partition numbering stays stable
	// for boot-time discovery.
	RoleOfflineRepo Role = iota

	// RolePersistent is an ext4 filesystem picked up by the live
	// system's persistence hook via its volume label.
	RolePersistent
)

func (r Role) String() string {
	switch r {
	case RoleOfflineRepo:
		return "offline-repo"
	case RolePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

const (
	// PersistentLabel is the ext4 volume label the live system scans
	// for. Changing it breaks existing boot hooks.
	PersistentLabel = "archlive-persist"

	// repoPartitionName is the GPT partition name of the repo payload.
	repoPartitionName = "archlive-repo"

	// repoSlackBytes pads the repo partition beyond its image so
	// MiB rounding by the partitioning tool can never truncate the
	// payload.
	repoSlackBytes = 4 * 1024 * 1024

	// SubstepsPerRequest is the number of Substep calls each
	// provisioned partition emits, for progress sizing.
	SubstepsPerRequest = 2
)

// Request describes one partition to add behind the live image.
type Request struct {
	Role Role

	// SizeBytes of the new partition, 0 for all remaining space.
	// Only meaningful for RolePersistent, the offline-repo size is
	// derived from its image.
	SizeBytes uint64

	// ImagePath is the repo image raw-copied onto the partition for
	// RoleOfflineRepo.
	ImagePath string
}

// RepoPartitionBytes is the size of the partition backing a repo image,
// also used by the capacity check up front.
func RepoPartitionBytes(imageBytes uint64) uint64 {
	return sizeparse.CeilMiB(imageBytes)<<20 + repoSlackBytes
}

var (
	osStat = os.Stat

	parttableRefresh             = parttable.Refresh
	parttableDetect              = parttable.Detect
	parttableLastPartitionNumber = parttable.LastPartitionNumber
	parttableAppend              = parttable.Append
	parttablePartitionPath       = parttable.PartitionPath
	parttableWaitForPartition    = parttable.WaitForPartition
	parttableVerifyAppended      = parttable.VerifyAppended
	parttableList                = parttable.List

	rawcopyCopy = rawcopy.Copy
	runCmdQuiet = util.RunCmdQuiet
	unixSync    = unix.Sync
)

// Provisioner runs the post-write partition sequence on one device.
type Provisioner struct {
	Device string

	// DryRun skips every device mutation but still walks the whole
	// sequence, logging what would happen.
	DryRun bool

	// dryAppended counts partitions a dry run would have created, so
	// predicted numbers keep advancing without real appends.
	dryAppended int
}

// Provision handles all requests in their required order, offline-repo
// strictly before persistent. Failures abort the remaining roles and
// leave whatever was already committed on the device in place.
func (p *Provisioner) Provision(reqs []Request, rep progress.Reporter) error {
	ordered := make([]Request, 0, len(reqs))
	for _, role := range []Role{RoleOfflineRepo, RolePersistent} {
		for _, req := range reqs {
			if req.Role == role {
				ordered = append(ordered, req)
			}
		}
	}

	for _, req := range ordered {
		if err := p.provisionOne(req, rep); err != nil {
			return fmt.Errorf("cannot provision the %s partition: %w", req.Role, err)
		}
	}
	return nil
}

func (p *Provisioner) partitionSize(req Request) (uint64, error) {
	if req.Role != RoleOfflineRepo {
		return req.SizeBytes, nil
	}
	if req.ImagePath == "" {
		return 0, fmt.Errorf("offline-repo request carries no image")
	}
	fi, err := osStat(req.ImagePath)
	if err != nil {
		return 0, fmt.Errorf("cannot stat the repo image: %w", err)
	}
	return RepoPartitionBytes(uint64(fi.Size())), nil
}

func (p *Provisioner) provisionOne(req Request, rep progress.Reporter) error {
	rep.Substep(fmt.Sprintf("Appending the %s partition", req.Role))

	if !p.DryRun {
		if err := parttableRefresh(p.Device); err != nil {
			return err
		}
	}
	kind, err := parttableDetect(p.Device)
	if err != nil {
		return err
	}
	last, err := parttableLastPartitionNumber(p.Device)
	if err != nil {
		return err
	}
	number := last + 1 + p.dryAppended

	sizeBytes, err := p.partitionSize(req)
	if err != nil {
		return err
	}

	name := PersistentLabel
	if req.Role == RoleOfflineRepo {
		name = repoPartitionName
	}

	if p.DryRun {
		if sizeBytes == 0 {
			logrus.Infof("dry run: would append partition %d (%s, all remaining space) to %s",
				number, name, p.Device)
		} else {
			logrus.Infof("dry run: would append partition %d (%s, %s) to %s",
				number, name, humanize.IBytes(sizeBytes), p.Device)
		}
		p.dryAppended++
		return p.writePayload(req, parttablePartitionPath(p.Device, number), rep)
	}

	if err := parttableAppend(p.Device, kind, number, sizeBytes, name); err != nil {
		return err
	}
	if err := parttableRefresh(p.Device); err != nil {
		return err
	}

	path := parttablePartitionPath(p.Device, number)
	rep.SetMessagef("waiting for %s", path)
	if err := parttableWaitForPartition(path, parttable.DefaultPartitionTimeout); err != nil {
		if listing, listErr := parttableList(p.Device); listErr == nil {
			logrus.Errorf("current partition table of %s:\n%s", p.Device, listing)
		}
		return err
	}
	if err := parttableVerifyAppended(p.Device, kind, number); err != nil {
		return err
	}
	return p.writePayload(req, path, rep)
}

func (p *Provisioner) writePayload(req Request, path string, rep progress.Reporter) error {
	switch req.Role {
	case RoleOfflineRepo:
		rep.Substep("Copying the package repository")
		if p.DryRun {
			logrus.Infof("dry run: would copy %s onto %s", req.ImagePath, path)
			return nil
		}
		if _, err := rawcopyCopy(req.ImagePath, path, rep); err != nil {
			return fmt.Errorf("cannot copy the repo image onto %s: %w", path, err)
		}
	case RolePersistent:
		rep.Substep("Formatting the persistent filesystem")
		if p.DryRun {
			logrus.Infof("dry run: would run mkfs.ext4 -F -q -L %s %s", PersistentLabel, path)
			return nil
		}
		if err := runCmdQuiet("mkfs.ext4", "-F", "-q", "-L", PersistentLabel, path); err != nil {
			return fmt.Errorf("cannot format %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unknown partition role %d", req.Role)
	}
	unixSync()
	return nil
}
