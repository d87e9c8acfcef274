package provision

import (
	"io/fs"
	"time"

	"github.com/archlive/live-media-writer/internal/parttable"
	"github.com/archlive/live-media-writer/pkg/progress"
)

func MockOsStat(new func(string) (fs.FileInfo, error)) (restore func()) {
	saved := osStat
	osStat = new
	return func() {
		osStat = saved
	}
}

func MockParttableRefresh(new func(string) error) (restore func()) {
	saved := parttableRefresh
	parttableRefresh = new
	return func() {
		parttableRefresh = saved
	}
}

func MockParttableDetect(new func(string) (parttable.Kind, error)) (restore func()) {
	saved := parttableDetect
	parttableDetect = new
	return func() {
		parttableDetect = saved
	}
}

func MockParttableLastPartitionNumber(new func(string) (int, error)) (restore func()) {
	saved := parttableLastPartitionNumber
	parttableLastPartitionNumber = new
	return func() {
		parttableLastPartitionNumber = saved
	}
}

func MockParttableAppend(new func(string, parttable.Kind, int, uint64, string) error) (restore func()) {
	saved := parttableAppend
	parttableAppend = new
	return func() {
		parttableAppend = saved
	}
}

func MockParttablePartitionPath(new func(string, int) string) (restore func()) {
	saved := parttablePartitionPath
	parttablePartitionPath = new
	return func() {
		parttablePartitionPath = saved
	}
}

func MockParttableWaitForPartition(new func(string, time.Duration) error) (restore func()) {
	saved := parttableWaitForPartition
	parttableWaitForPartition = new
	return func() {
		parttableWaitForPartition = saved
	}
}

func MockParttableVerifyAppended(new func(string, parttable.Kind, int) error) (restore func()) {
	saved := parttableVerifyAppended
	parttableVerifyAppended = new
	return func() {
		parttableVerifyAppended = saved
	}
}

func MockParttableList(new func(string) (string, error)) (restore func()) {
	saved := parttableList
	parttableList = new
	return func() {
		parttableList = saved
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

func MockUnixSync(new func()) (restore func()) {
	saved := unixSync
	unixSync = new
	return func() {
		unixSync = saved
	}
}
