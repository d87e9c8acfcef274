package rawcopy

func MockBlockSize(new int) (restore func()) {
	saved := blockSize
	blockSize = new
	return func() {
		blockSize = saved
	}
}
