package cleanup

func MockIsMountpoint(f func(string) bool) (restore func()) {
	saved := isMountpoint
	isMountpoint = f
	return func() {
		isMountpoint = saved
	}
}

func MockUnmount(f func(string) error) (restore func()) {
	saved := unmount
	unmount = f
	return func() {
		unmount = saved
	}
}
