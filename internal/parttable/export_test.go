package parttable

import (
	"os"
	"time"

	"github.com/archlive/live-media-writer/internal/gpt"
)

func MockOsStat(new func(string) (os.FileInfo, error)) (restore func()) {
	saved := osStat
	osStat = new
	return func() {
		osStat = saved
	}
}

func MockRunCmdOutput(new func(string, ...string) ([]byte, error)) (restore func()) {
	saved := runCmdOutput
	runCmdOutput = new
	return func() {
		runCmdOutput = saved
	}
}

func MockRunCmdQuiet(new func(string, ...string) error) (restore func()) {
	saved := runCmdQuiet
	runCmdQuiet = new
	return func() {
		runCmdQuiet = saved
	}
}

func MockRunCmdStdin(new func(string, string, ...string) error) (restore func()) {
	saved := runCmdStdin
	runCmdStdin = new
	return func() {
		runCmdStdin = saved
	}
}

func MockReadGPT(new func(string) (*gpt.Table, error)) (restore func()) {
	saved := readGPT
	readGPT = new
	return func() {
		readGPT = saved
	}
}

func MockOpenDevice(new func(string) (*os.File, error)) (restore func()) {
	saved := openDevice
	openDevice = new
	return func() {
		openDevice = saved
	}
}

func MockIoctlRetInt(new func(int, uint) (int, error)) (restore func()) {
	saved := ioctlRetInt
	ioctlRetInt = new
	return func() {
		ioctlRetInt = saved
	}
}

func MockDelays(settle, rereadRetry, wait time.Duration) (restore func()) {
	savedSettle, savedReread, savedWait := settleDelay, rereadRetryDelay, waitInterval
	settleDelay, rereadRetryDelay, waitInterval = settle, rereadRetry, wait
	return func() {
		settleDelay, rereadRetryDelay, waitInterval = savedSettle, savedReread, savedWait
	}
}
