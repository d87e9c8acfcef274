package writer

import (
	"io/fs"

	"github.com/archlive/live-media-writer/internal/blockdev"
	"github.com/archlive/live-media-writer/internal/provision"
	"github.com/archlive/live-media-writer/pkg/progress"
)

func MockOsStat(new func(string) (fs.FileInfo, error)) (restore func()) {
	saved := osStat
	osStat = new
	return func() {
		osStat = saved
	}
}

func MockBlockdevMounts(new func(*blockdev.Device) ([]blockdev.MountedPath, error)) (restore func()) {
	saved := blockdevMounts
	blockdevMounts = new
	return func() {
		blockdevMounts = saved
	}
}

func MockParttableWipe(new func(string) error) (restore func()) {
	saved := parttableWipe
	parttableWipe = new
	return func() {
		parttableWipe = saved
	}
}

func MockRawcopyCopy(new func(string, string, progress.Reporter) (int64, error)) (restore func()) {
	saved := rawcopyCopy
	rawcopyCopy = new
	return func() {
		rawcopyCopy = saved
	}
}

func MockRunCmdQuiet(new func(string, ...string) error) (restore func()) {
	saved := runCmdQuiet
	runCmdQuiet = new
	return func() {
		runCmdQuiet = saved
	}
}

func MockProvisionRun(new func(*provision.Provisioner, []provision.Request, progress.Reporter) error) (restore func()) {
	saved := provisionRun
	provisionRun = new
	return func() {
		provisionRun = saved
	}
}
