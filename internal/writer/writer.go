// Package writer drives the destructive part of a run as a one-way
// state machine. Everything up to Validated aborts cleanly, the first
// destructive action is the signature wipe and from there on failures
// leave the device in a state only manual repartitioning can fix.
package writer

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/archlive/live-media-writer/internal/blockdev"
	"github.com/archlive/live-media-writer/internal/parttable"
	"github.com/archlive/live-media-writer/internal/provision"
	"github.com/archlive/live-media-writer/internal/rawcopy"
	"github.com/archlive/live-media-writer/internal/safety"
	"github.com/archlive/live-media-writer/internal/srcimage"
	"github.com/archlive/live-media-writer/internal/util"
	"github.com/archlive/live-media-writer/pkg/progress"
)

// State of the write run. Transitions are one-way and non-retryable,
// each guarded by the previous stage's success.
type State int

const (
	StateUnvalidated State = iota
	StateValidated
	StateWiped
	StateImageWritten
	StateOfflineProvisioned
	StatePersistentProvisioned
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateValidated:
		return "validated"
	case StateWiped:
		return "wiped"
	case StateImageWritten:
		return "image-written"
	case StateOfflineProvisioned:
		return "offline-provisioned"
	case StatePersistentProvisioned:
		return "persistent-provisioned"
	case StateComplete:
		return "complete"
	default:
		return "invalid"
	}
}

// WriteFailedError is a failed raw copy onto the device.
type WriteFailedError struct {
	Device string
	Err    error
}

func (e *WriteFailedError) Error() string {
	return fmt.Sprintf("cannot write the image to %s: %v", e.Device, e.Err)
}

func (e *WriteFailedError) Unwrap() error {
	return e.Err
}

// IrrecoverableError marks any failure past the first destructive
// action. Nothing is rolled back, partition table and filesystem edits
// already committed to the device cannot be made transactional.
type IrrecoverableError struct {
	Device string
	State  State
	Err    error
}

func (e *IrrecoverableError) Error() string {
	return fmt.Sprintf("%v (%s reached state %q before failing and needs manual repartitioning)",
		e.Err, e.Device, e.State)
}

func (e *IrrecoverableError) Unwrap() error {
	return e.Err
}

// Gate is the confirmation surface Run drives before any destruction,
// implemented by safety.Gate.
type Gate interface {
	Run(dev *blockdev.Device, src *srcimage.Info, requiredBytes uint64, tools []string) error
}

// Options is everything a write run needs after flag parsing.
type Options struct {
	Device   *blockdev.Device
	Source   *srcimage.Info
	Requests []provision.Request
	DryRun   bool
}

var (
	osStat = os.Stat

	blockdevMounts = blockdev.Mounts
	parttableWipe  = parttable.Wipe
	rawcopyCopy    = rawcopy.Copy
	runCmdQuiet    = util.RunCmdQuiet

	provisionRun = func(p *provision.Provisioner, reqs []provision.Request, rep progress.Reporter) error {
		return p.Provision(reqs, rep)
	}
)

// RequiredBytes computes the device capacity the run needs, with the
// repo accounted at its partition size rather than its image size. A
// plain image write takes exactly the image size, the table slack
// overhead only matters when partitions get appended after it.
func RequiredBytes(opts *Options) (uint64, error) {
	if len(opts.Requests) == 0 {
		return opts.Source.SizeBytes, nil
	}
	var repoBytes, persistentBytes uint64
	for _, req := range opts.Requests {
		switch req.Role {
		case provision.RoleOfflineRepo:
			fi, err := osStat(req.ImagePath)
			if err != nil {
				return 0, fmt.Errorf("cannot stat the repo image: %w", err)
			}
			repoBytes += provision.RepoPartitionBytes(uint64(fi.Size()))
		case provision.RolePersistent:
			persistentBytes += req.SizeBytes
		}
	}
	return safety.RequiredBytes(opts.Source.SizeBytes, repoBytes, persistentBytes), nil
}

// TotalSteps is the number of BeginStep calls Run makes, for sizing
// the progress reporter.
func TotalSteps(opts *Options) int {
	steps := 2
	if len(opts.Requests) > 0 {
		steps++
	}
	return steps
}

// Run validates through the gate while the terminal is still free for
// prompts, then starts the reporter and walks the machine to Complete.
func Run(opts *Options, gate Gate, rep progress.Reporter) error {
	state := StateUnvalidated
	advance := func(next State) {
		logrus.Debugf("write state %s -> %s", state, next)
		state = next
	}

	required, err := RequiredBytes(opts)
	if err != nil {
		return err
	}
	if err := gate.Run(opts.Device, opts.Source, required, safety.WriteTools); err != nil {
		return err
	}
	advance(StateValidated)

	rep.Start()
	defer rep.Stop()

	rep.BeginStep(fmt.Sprintf("Wiping %s", opts.Device.Path), 2)
	// unmounting changes nothing on disk, failures here still abort
	// cleanly
	if err := unmountExisting(opts, rep); err != nil {
		return err
	}
	if err := wipeSignatures(opts, rep); err != nil {
		return &IrrecoverableError{Device: opts.Device.Path, State: state, Err: err}
	}
	advance(StateWiped)

	rep.BeginStep("Writing the live image", 1)
	rep.Substep("Copying the image onto the device")
	if opts.DryRun {
		logrus.Infof("dry run: would copy %s onto %s", opts.Source.Path, opts.Device.Path)
	} else if _, err := rawcopyCopy(opts.Source.Path, opts.Device.Path, rep); err != nil {
		return &IrrecoverableError{
			Device: opts.Device.Path,
			State:  state,
			Err:    &WriteFailedError{Device: opts.Device.Path, Err: err},
		}
	}
	advance(StateImageWritten)

	if len(opts.Requests) > 0 {
		rep.BeginStep("Provisioning extra partitions", len(opts.Requests)*provision.SubstepsPerRequest)
		prov := &provision.Provisioner{Device: opts.Device.Path, DryRun: opts.DryRun}
		for _, role := range []provision.Role{provision.RoleOfflineRepo, provision.RolePersistent} {
			for _, req := range opts.Requests {
				if req.Role != role {
					continue
				}
				if err := provisionRun(prov, []provision.Request{req}, rep); err != nil {
					return &IrrecoverableError{Device: opts.Device.Path, State: state, Err: err}
				}
				switch role {
				case provision.RoleOfflineRepo:
					advance(StateOfflineProvisioned)
				case provision.RolePersistent:
					advance(StatePersistentProvisioned)
				}
			}
		}
	}

	advance(StateComplete)
	return nil
}

func unmountExisting(opts *Options, rep progress.Reporter) error {
	rep.Substep("Unmounting existing partitions")
	mounts, err := blockdevMounts(opts.Device)
	if err != nil {
		return err
	}
	for _, m := range mounts {
		if opts.DryRun {
			logrus.Infof("dry run: would unmount %s", m.Mountpoint)
			continue
		}
		logrus.Debugf("unmounting %s (%s)", m.Mountpoint, m.Partition)
		if err := runCmdQuiet("umount", m.Mountpoint); err != nil {
			return fmt.Errorf("cannot unmount %s: %w", m.Mountpoint, err)
		}
	}
	return nil
}

func wipeSignatures(opts *Options, rep progress.Reporter) error {
	rep.Substep("Clearing existing signatures")
	if opts.DryRun {
		logrus.Infof("dry run: would run wipefs --all %s", opts.Device.Path)
		return nil
	}
	return parttableWipe(opts.Device.Path)
}
