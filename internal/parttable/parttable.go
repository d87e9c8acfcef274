// Package parttable drives the on-disk partition table of the target
// device through sfdisk and sgdisk, always appending to the free space
// after the written image and never moving existing partitions.
package parttable

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/archlive/live-media-writer/internal/gpt"
	"github.com/archlive/live-media-writer/internal/sizeparse"
	"github.com/archlive/live-media-writer/internal/util"
)

// Kind is the partition table flavor found on the device.
type Kind int

const (
	KindUnknown Kind = iota
	KindMBR
	KindGPT
)

func (k Kind) String() string {
	switch k {
	case KindMBR:
		return "mbr"
	case KindGPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// DefaultPartitionTimeout is how long to wait for the kernel to create
// the device node of a freshly appended partition.
const DefaultPartitionTimeout = 15 * time.Second

type UnsupportedTableError struct {
	Device string
	Label  string
}

func (e *UnsupportedTableError) Error() string {
	return fmt.Sprintf("device %s carries an unsupported partition table %q (expected mbr or gpt)", e.Device, e.Label)
}

type PartitionTimeoutError struct {
	Path    string
	Timeout time.Duration
}

func (e *PartitionTimeoutError) Error() string {
	return fmt.Sprintf("partition %s did not appear within %v", e.Path, e.Timeout)
}

type VerifyError struct {
	Device   string
	Expected int
	Actual   int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("partition table of %s ends at partition %d, expected the new partition %d", e.Device, e.Actual, e.Expected)
}

var (
	osStat       = os.Stat
	runCmdOutput = util.RunCmdOutput
	runCmdQuiet  = util.RunCmdQuiet
	runCmdStdin  = util.RunCmdStdin
	readGPT      = gpt.Read
	openDevice   = func(device string) (*os.File, error) {
		return os.OpenFile(device, os.O_RDONLY, 0)
	}
	ioctlRetInt = unix.IoctlRetInt

	settleDelay      = 2 * time.Second
	rereadRetryDelay = 1 * time.Second
	waitInterval     = 200 * time.Millisecond
)

type sfdiskTable struct {
	PartitionTable struct {
		Label      string `json:"label"`
		Device     string `json:"device"`
		SectorSize uint64 `json:"sectorsize"`
		Partitions []struct {
			Node  string `json:"node"`
			Start uint64 `json:"start"`
			Size  uint64 `json:"size"`
			Type  string `json:"type"`
		} `json:"partitions"`
	} `json:"partitiontable"`
}

func dump(device string) (*sfdiskTable, error) {
	output, err := runCmdOutput("sfdisk", "--json", device)
	if err != nil {
		if strings.Contains(err.Error(), "does not contain a recognized partition table") {
			return nil, &UnsupportedTableError{Device: device, Label: "none"}
		}
		return nil, fmt.Errorf("cannot dump the partition table of %s: %w", device, err)
	}
	var table sfdiskTable
	if err := json.Unmarshal(output, &table); err != nil {
		return nil, fmt.Errorf("cannot parse the partition table of %s: %w", device, err)
	}
	return &table, nil
}

// Detect determines whether the device carries an MBR or a GPT. Any
// other label (or none at all) is unsupported.
func Detect(device string) (Kind, error) {
	table, err := dump(device)
	if err != nil {
		return KindUnknown, err
	}
	switch table.PartitionTable.Label {
	case "dos":
		return KindMBR, nil
	case "gpt":
		return KindGPT, nil
	default:
		return KindUnknown, &UnsupportedTableError{Device: device, Label: table.PartitionTable.Label}
	}
}

var partitionNumberRe = regexp.MustCompile("([0-9]+)$")

// LastPartitionNumber returns the highest partition number in use, 0
// when the table has no partitions.
func LastPartitionNumber(device string) (int, error) {
	table, err := dump(device)
	if err != nil {
		return 0, err
	}
	last := 0
	for _, part := range table.PartitionTable.Partitions {
		m := partitionNumberRe.FindString(part.Node)
		if m == "" {
			return 0, fmt.Errorf("cannot derive a partition number from %q", part.Node)
		}
		num, err := strconv.Atoi(m)
		if err != nil {
			return 0, fmt.Errorf("cannot derive a partition number from %q: %w", part.Node, err)
		}
		if num > last {
			last = num
		}
	}
	return last, nil
}

// Append creates one partition in the free space after the last one.
// A sizeBytes of 0 takes all remaining space. The number is the slot
// the new partition is expected to land in, GPT creation pins it there
// while MBR creation lets sfdisk pick and VerifyAppended checks it.
func Append(device string, kind Kind, number int, sizeBytes uint64, name string) error {
	switch kind {
	case KindMBR:
		line := ",,L\n"
		if sizeBytes > 0 {
			line = fmt.Sprintf(",%dMiB,L\n", sizeparse.CeilMiB(sizeBytes))
		}
		if err := runCmdStdin(line, "sfdisk", "--append", device); err != nil {
			return fmt.Errorf("cannot append a partition to %s: %w", device, err)
		}
	case KindGPT:
		sizeArg := "0"
		if sizeBytes > 0 {
			sizeArg = fmt.Sprintf("+%dM", sizeparse.CeilMiB(sizeBytes))
		}
		args := []string{"-n", fmt.Sprintf("%d:0:%s", number, sizeArg)}
		if name != "" {
			args = append(args, "-c", fmt.Sprintf("%d:%s", number, name))
		}
		args = append(args, device)
		if err := runCmdQuiet("sgdisk", args...); err != nil {
			return fmt.Errorf("cannot append a partition to %s: %w", device, err)
		}
	default:
		return &UnsupportedTableError{Device: device, Label: kind.String()}
	}
	return nil
}

// Refresh makes the kernel drop cached buffers and re-read the (just
// rewritten) partition table, then waits for udev to catch up. The
// re-read is retried on EBUSY, udev may still hold the device right
// after a large write.
func Refresh(device string) error {
	f, err := openDevice(device)
	if err != nil {
		return fmt.Errorf("cannot open %s: %w", device, err)
	}
	defer util.LogClose(f)

	fd := int(f.Fd())
	if _, err := ioctlRetInt(fd, unix.BLKFLSBUF); err != nil {
		logrus.WithError(err).Warnf("cannot flush cached buffers of %s", device)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(rereadRetryDelay)
		}
		_, lastErr = ioctlRetInt(fd, unix.BLKRRPART)
		if lastErr == nil || !errors.Is(lastErr, unix.EBUSY) {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("cannot re-read the partition table of %s: %w", device, lastErr)
	}

	if err := runCmdQuiet("udevadm", "settle"); err != nil {
		logrus.WithError(err).Warnf("udevadm settle failed")
	}
	time.Sleep(settleDelay)
	return nil
}

// PartitionPath returns the device node of the numbered partition. It
// prefers whichever candidate already exists, otherwise it predicts by
// the kernel convention, names ending in a digit get a "p" separator.
func PartitionPath(device string, number int) string {
	base := filepath.Base(device)
	endsInDigit := len(base) > 0 && base[len(base)-1] >= '0' && base[len(base)-1] <= '9'

	withSep := fmt.Sprintf("%sp%d", device, number)
	plain := fmt.Sprintf("%s%d", device, number)

	candidates := []string{plain, withSep}
	if endsInDigit {
		candidates = []string{withSep, plain}
	}
	for _, candidate := range candidates {
		if _, err := osStat(candidate); err == nil {
			return candidate
		}
	}
	return candidates[0]
}

// List returns the human-readable table listing, for diagnostics when
// an expected partition never shows up.
func List(device string) (string, error) {
	output, err := runCmdOutput("sfdisk", "-l", device)
	if err != nil {
		return "", fmt.Errorf("cannot list the partition table of %s: %w", device, err)
	}
	return string(output), nil
}

// WaitForPartition polls until the partition device node exists.
func WaitForPartition(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := osStat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return &PartitionTimeoutError{Path: path, Timeout: timeout}
		}
		time.Sleep(waitInterval)
	}
}

// VerifyAppended checks that the partition predicted by the caller is
// what the table actually ends with now. On GPT the primary table is
// additionally read back directly from the device.
func VerifyAppended(device string, kind Kind, number int) error {
	last, err := LastPartitionNumber(device)
	if err != nil {
		return err
	}
	if last != number {
		return &VerifyError{Device: device, Expected: number, Actual: last}
	}
	if kind == KindGPT {
		table, err := readGPT(device)
		if err != nil {
			return fmt.Errorf("cannot read back the GPT of %s: %w", device, err)
		}
		if table.Lookup(number) == nil {
			return &VerifyError{Device: device, Expected: number, Actual: table.MaxPartitionNumber()}
		}
	}
	return nil
}

// Wipe erases all filesystem and partition table signatures.
func Wipe(device string) error {
	if err := runCmdQuiet("wipefs", "--all", device); err != nil {
		return fmt.Errorf("cannot wipe signatures on %s: %w", device, err)
	}
	return nil
}
