package runconfig

import "os"

func MockOsStdin(new *os.File) (restore func()) {
	saved := osStdin
	osStdin = new
	return func() {
		osStdin = saved
	}
}
