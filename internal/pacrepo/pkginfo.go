package pacrepo

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// PackageInfo is the subset of .PKGINFO needed for the repo manifest.
type PackageInfo struct {
	Name    string
	Version string
	Arch    string
}

func pkginfoReader(f *os.File, path string) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(path, ".pkg.tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot decompress %s: %w", path, err)
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(path, ".pkg.tar.xz"):
		r, err := xz.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("cannot decompress %s: %w", path, err)
		}
		return r, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported package format %q", path)
	}
}

func parsePkginfo(r io.Reader) (*PackageInfo, error) {
	info := &PackageInfo{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "pkgname":
			info.Name = value
		case "pkgver":
			info.Version = value
		case "arch":
			info.Arch = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if info.Name == "" {
		return nil, fmt.Errorf("no pkgname found in .PKGINFO")
	}
	return info, nil
}

// ReadPackageInfo extracts .PKGINFO from a pacman package archive.
func ReadPackageInfo(path string) (*PackageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open package %s: %w", path, err)
	}
	defer f.Close()

	r, closer, err := pkginfoReader(f, path)
	if err != nil {
		return nil, err
	}
	defer closer()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("cannot read package %s: %w", path, err)
		}
		if strings.TrimPrefix(hdr.Name, "./") != ".PKGINFO" {
			continue
		}
		info, err := parsePkginfo(tr)
		if err != nil {
			return nil, fmt.Errorf("cannot parse .PKGINFO of %s: %w", path, err)
		}
		return info, nil
	}
	return nil, fmt.Errorf("no .PKGINFO found in %s", path)
}
