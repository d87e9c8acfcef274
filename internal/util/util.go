package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// IsMountpoint checks if the target path is a mount point
func IsMountpoint(path string) bool {
	return exec.Command("mountpoint", "-q", path).Run() == nil
}

// RunCmdQuiet invokes a command with stdout suppressed and stderr
// captured into the returned error. Used for tools that print noise
// on success but whose diagnostics matter on failure.
func RunCmdQuiet(cmdName string, args ...string) error {
	logrus.Debugf("Running: %s %s", cmdName, strings.Join(args, " "))
	var stderr bytes.Buffer
	cmd := exec.Command(cmdName, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("error running %s %s: %w\nstderr:\n%s", cmdName, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// RunCmdOutput invokes a command and returns its stdout. On failure the
// error carries the command line and captured stderr.
func RunCmdOutput(cmdName string, args ...string) ([]byte, error) {
	logrus.Debugf("Running: %s %s", cmdName, strings.Join(args, " "))
	output, err := exec.Command(cmdName, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("error running %s %s: %w", cmdName, strings.Join(args, " "), OutputErr(err))
	}
	return output, nil
}

// RunCmdStdin invokes a command feeding it the given input on stdin,
// with stdout suppressed and stderr captured into the returned error.
// This is how sfdisk scripts get applied.
func RunCmdStdin(input string, cmdName string, args ...string) error {
	logrus.Debugf("Running: %s %s (with %d bytes on stdin)", cmdName, strings.Join(args, " "), len(input))
	var stderr bytes.Buffer
	cmd := exec.Command(cmdName, args...)
	cmd.Stdin = strings.NewReader(input)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("error running %s %s: %w\nstderr:\n%s", cmdName, strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// OutputErr takes an error from exec.Command().Output() and tries
// generate an error with stderr details
func OutputErr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%w, stderr:\n%s", err, err.Stderr)
	}
	return err
}

// LogClose closes the file and logs any error encountered during the operation.
func LogClose(file *os.File) {
	if err := file.Close(); err != nil {
		logrus.WithError(err).Errorf("failed to close file")
	}
}

// CopyFile copies a regular file, creating or truncating the destination.
func CopyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer LogClose(srcFile)

	destFile, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dest, err)
	}
	defer LogClose(destFile)

	if _, err := io.Copy(destFile, srcFile); err != nil {
		return fmt.Errorf("error copying %s -> %s: %w", src, dest, err)
	}
	return nil
}
