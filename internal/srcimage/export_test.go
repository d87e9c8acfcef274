package srcimage

import "os"

func MockOsStat(new func(string) (os.FileInfo, error)) (restore func()) {
	saved := osStat
	osStat = new
	return func() {
		osStat = saved
	}
}

func MockRunMount(new func(string, string) error) (restore func()) {
	saved := runMount
	runMount = new
	return func() {
		runMount = saved
	}
}

func MockRunUnmount(new func(string) error) (restore func()) {
	saved := runUnmount
	runUnmount = new
	return func() {
		runUnmount = saved
	}
}

var ScanTree = scanTree
