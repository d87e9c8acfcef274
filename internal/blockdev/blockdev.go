// Package blockdev resolves and classifies block devices via lsblk. The
// classification is display-only, safety decisions are made from the
// mount and parent data, never from the category heuristics.
package blockdev

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/archlive/live-media-writer/internal/util"
)

// Kind is the recognized device class, derived from the kernel name
// pattern plus the lsblk transport/rotational fields.
type Kind int

const (
	KindUnknown Kind = iota
	KindNVMe
	KindMMC
	KindDisk
	KindSSD
	KindUSB
	KindVirtual
	KindOptical
	KindNBD
	KindDistributed
	KindLoopback
)

func (k Kind) String() string {
	switch k {
	case KindNVMe:
		return "NVMe SSD"
	case KindMMC:
		return "MMC/SD card"
	case KindDisk:
		return "SATA/SAS hard disk"
	case KindSSD:
		return "SATA/SAS solid-state disk"
	case KindUSB:
		return "USB storage"
	case KindVirtual:
		return "virtual disk"
	case KindOptical:
		return "optical drive"
	case KindNBD:
		return "network block device"
	case KindDistributed:
		return "distributed-storage device"
	case KindLoopback:
		return "loopback device"
	default:
		return "unknown device"
	}
}

// VirtualOrRemote reports whether the class is one where overwriting
// cannot brick a physical machine (loop files, VM disks, network block
// devices). These skip the non-removable warning.
func (k Kind) VirtualOrRemote() bool {
	switch k {
	case KindVirtual, KindLoopback, KindNBD, KindDistributed:
		return true
	default:
		return false
	}
}

// Device is a whole-disk target as reported by lsblk at validation time.
// It must keep referring to the same physical device for an entire run,
// callers never re-resolve after destructive work started.
type Device struct {
	Path       string
	Name       string
	SizeBytes  uint64
	Model      string
	Transport  string
	Rotational bool
	Removable  bool
	Kind       Kind
}

type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("device %q not found", e.Path)
}

type NotABlockDeviceError struct {
	Path string
}

func (e *NotABlockDeviceError) Error() string {
	return fmt.Sprintf("%q is not a block device", e.Path)
}

type IsPartitionError struct {
	Path   string
	Parent string
}

func (e *IsPartitionError) Error() string {
	return fmt.Sprintf("%q is a partition, not a whole disk (did you mean /dev/%s?)", e.Path, e.Parent)
}

// ProtectedPaths are the mountpoints that make a device untouchable. A
// partition of the target mounted on any of these is a hard stop.
var ProtectedPaths = []string{"/", "/boot", "/home", "/usr", "/var", "/etc", "/opt"}

// MountedPath is one mounted partition of a device on a protected path.
type MountedPath struct {
	Partition  string
	Mountpoint string
}

// lsblk JSON model, sizes are bytes with -b but arrive quoted on some
// util-linux versions, hence json.Number.
type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Size       json.Number   `json:"size"`
	Model      string        `json:"model"`
	Tran       string        `json:"tran"`
	Rota       bool          `json:"rota"`
	Rm         bool          `json:"rm"`
	PkName     string        `json:"pkname"`
	Mountpoint string        `json:"mountpoint"`
	Children   []lsblkDevice `json:"children"`
}

var (
	osStat   = os.Stat
	runLsblk = func(args ...string) ([]byte, error) {
		return util.RunCmdOutput("lsblk", args...)
	}
	runFindmnt = func(args ...string) ([]byte, error) {
		return util.RunCmdOutput("findmnt", args...)
	}
)

func parseLsblk(data []byte) (*lsblkOutput, error) {
	var out lsblkOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("cannot parse lsblk output: %w", err)
	}
	return &out, nil
}

func deviceFromLsblk(path string, d *lsblkDevice) (*Device, error) {
	size, err := d.Size.Int64()
	if err != nil {
		return nil, fmt.Errorf("cannot parse size %q of %s: %w", d.Size.String(), d.Name, err)
	}
	return &Device{
		Path:       path,
		Name:       d.Name,
		SizeBytes:  uint64(size),
		Model:      strings.TrimSpace(d.Model),
		Transport:  d.Tran,
		Rotational: d.Rota,
		Removable:  d.Rm,
		Kind:       classify(d.Name, d.Tran, d.Rota, d.Rm),
	}, nil
}

// Resolve inspects path and returns it as a whole-disk target. It fails
// when the path is missing, not a block device, or names a partition
// instead of its parent disk.
func Resolve(path string) (*Device, error) {
	fi, err := osStat(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("cannot stat %q: %w", path, err)
	}
	if fi.Mode()&os.ModeDevice == 0 || fi.Mode()&os.ModeCharDevice != 0 {
		return nil, &NotABlockDeviceError{Path: path}
	}

	output, err := runLsblk("--json", "--bytes", "--nodeps", "--output", "NAME,TYPE,SIZE,MODEL,TRAN,ROTA,RM,PKNAME", path)
	if err != nil {
		return nil, fmt.Errorf("cannot inspect %q: %w", path, err)
	}
	parsed, err := parseLsblk(output)
	if err != nil {
		return nil, err
	}
	if len(parsed.BlockDevices) != 1 {
		return nil, fmt.Errorf("unexpected lsblk output for %q: %v devices", path, len(parsed.BlockDevices))
	}

	d := &parsed.BlockDevices[0]
	if d.Type == "part" {
		return nil, &IsPartitionError{Path: path, Parent: d.PkName}
	}
	return deviceFromLsblk(path, d)
}

// IsSystemDisk reports whether the device backs the root filesystem. It
// walks the parent chain so stacked setups (dm-crypt, LVM) still resolve
// to their underlying disk.
func IsSystemDisk(dev *Device) (bool, error) {
	names, err := systemDiskNames()
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == dev.Name {
			return true, nil
		}
	}
	return false, nil
}

func systemDiskNames() ([]string, error) {
	output, err := runFindmnt("-n", "-o", "SOURCE", "/")
	if err != nil {
		return nil, fmt.Errorf("cannot find the root filesystem source: %w", err)
	}
	source := strings.TrimSpace(string(output))
	// btrfs subvolume sources look like /dev/sda2[/@root]
	if i := strings.IndexByte(source, '['); i >= 0 {
		source = source[:i]
	}
	if !strings.HasPrefix(source, "/dev/") {
		// overlay/tmpfs root (e.g. when running from a live system)
		return nil, nil
	}

	// walk PKNAME upwards until the whole disks are reached
	names := []string{filepath.Base(source)}
	cur := []string{source}
	for depth := 0; depth < 8 && len(cur) > 0; depth++ {
		var next []string
		for _, node := range cur {
			output, err := runLsblk("--noheadings", "--output", "PKNAME", node)
			if err != nil {
				return nil, fmt.Errorf("cannot resolve parent of %q: %w", node, err)
			}
			for _, line := range strings.Split(string(output), "\n") {
				parent := strings.TrimSpace(line)
				if parent == "" {
					continue
				}
				names = append(names, parent)
				next = append(next, "/dev/"+parent)
			}
		}
		cur = next
	}
	return names, nil
}

// Mounts lists every mounted node in the device's tree, children
// before their parents so the result can be unmounted front to back.
func Mounts(dev *Device) ([]MountedPath, error) {
	output, err := runLsblk("--json", "--output", "NAME,TYPE,MOUNTPOINT", dev.Path)
	if err != nil {
		return nil, fmt.Errorf("cannot list mounts of %q: %w", dev.Path, err)
	}
	parsed, err := parseLsblk(output)
	if err != nil {
		return nil, err
	}

	var mounted []MountedPath
	var walk func(devs []lsblkDevice)
	walk = func(devs []lsblkDevice) {
		for i := range devs {
			d := &devs[i]
			walk(d.Children)
			if d.Mountpoint != "" {
				mounted = append(mounted, MountedPath{Partition: d.Name, Mountpoint: d.Mountpoint})
			}
		}
	}
	walk(parsed.BlockDevices)
	return mounted, nil
}

// MountedSystemPaths filters Mounts down to the protected paths.
func MountedSystemPaths(dev *Device) ([]MountedPath, error) {
	all, err := Mounts(dev)
	if err != nil {
		return nil, err
	}

	var mounted []MountedPath
	for _, m := range all {
		for _, protected := range ProtectedPaths {
			if m.Mountpoint == protected {
				mounted = append(mounted, m)
			}
		}
	}
	return mounted, nil
}

// ListCandidates returns all whole-disk devices for the device listing.
func ListCandidates() ([]Device, error) {
	output, err := runLsblk("--json", "--bytes", "--nodeps", "--output", "NAME,TYPE,SIZE,MODEL,TRAN,ROTA,RM,PKNAME")
	if err != nil {
		return nil, fmt.Errorf("cannot list block devices: %w", err)
	}
	parsed, err := parseLsblk(output)
	if err != nil {
		return nil, err
	}

	var devices []Device
	for i := range parsed.BlockDevices {
		d := &parsed.BlockDevices[i]
		switch d.Type {
		case "disk", "rom", "loop":
		default:
			continue
		}
		dev, err := deviceFromLsblk("/dev/"+d.Name, d)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *dev)
	}
	return devices, nil
}

func classify(name, tran string, rotational, removable bool) Kind {
	base := filepath.Base(name)
	switch {
	case strings.HasPrefix(base, "nvme"):
		return KindNVMe
	case strings.HasPrefix(base, "mmcblk"):
		return KindMMC
	case strings.HasPrefix(base, "loop"):
		return KindLoopback
	case strings.HasPrefix(base, "sr") || strings.HasPrefix(base, "scd"):
		return KindOptical
	case strings.HasPrefix(base, "nbd"):
		return KindNBD
	case strings.HasPrefix(base, "rbd") || strings.HasPrefix(base, "drbd"):
		return KindDistributed
	case strings.HasPrefix(base, "vd") || strings.HasPrefix(base, "xvd"):
		return KindVirtual
	case tran == "usb" || removable:
		return KindUSB
	case strings.HasPrefix(base, "sd") && rotational:
		return KindDisk
	case strings.HasPrefix(base, "sd"):
		return KindSSD
	default:
		return KindUnknown
	}
}
