package safety

import (
	"time"

	"github.com/archlive/live-media-writer/internal/blockdev"
)

func MockOsGeteuid(new func() int) (restore func()) {
	saved := osGeteuid
	osGeteuid = new
	return func() {
		osGeteuid = saved
	}
}

func MockExecLookPath(new func(string) (string, error)) (restore func()) {
	saved := execLookPath
	execLookPath = new
	return func() {
		execLookPath = saved
	}
}

func MockRunCmdOutput(new func(string, ...string) ([]byte, error)) (restore func()) {
	saved := runCmdOutput
	runCmdOutput = new
	return func() {
		runCmdOutput = saved
	}
}

func MockIsSystemDisk(new func(*blockdev.Device) (bool, error)) (restore func()) {
	saved := isSystemDisk
	isSystemDisk = new
	return func() {
		isSystemDisk = saved
	}
}

func MockMountedSystemPaths(new func(*blockdev.Device) ([]blockdev.MountedPath, error)) (restore func()) {
	saved := mountedSystemPaths
	mountedSystemPaths = new
	return func() {
		mountedSystemPaths = saved
	}
}

func MockCountdownDelay(new time.Duration) (restore func()) {
	saved := countdownDelay
	countdownDelay = new
	return func() {
		countdownDelay = saved
	}
}
