package blockdev

import "os"

func MockOsStat(new func(string) (os.FileInfo, error)) (restore func()) {
	saved := osStat
	osStat = new
	return func() {
		osStat = saved
	}
}

func MockRunLsblk(new func(args ...string) ([]byte, error)) (restore func()) {
	saved := runLsblk
	runLsblk = new
	return func() {
		runLsblk = saved
	}
}

func MockRunFindmnt(new func(args ...string) ([]byte, error)) (restore func()) {
	saved := runFindmnt
	runFindmnt = new
	return func() {
		runFindmnt = saved
	}
}

var Classify = classify
