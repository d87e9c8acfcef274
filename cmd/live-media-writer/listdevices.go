package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/archlive/live-media-writer/internal/blockdev"
)

type deviceListing struct {
	Path      string `json:"path" yaml:"path"`
	Size      string `json:"size" yaml:"size"`
	SizeBytes uint64 `json:"size_bytes" yaml:"size_bytes"`
	Kind      string `json:"kind" yaml:"kind"`
	Model     string `json:"model,omitempty" yaml:"model,omitempty"`
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
	Removable bool   `json:"removable" yaml:"removable"`
	System    bool   `json:"system" yaml:"system"`
}

func listDevices() ([]deviceListing, error) {
	devices, err := blockdev.ListCandidates()
	if err != nil {
		return nil, err
	}

	listings := make([]deviceListing, 0, len(devices))
	for i := range devices {
		dev := &devices[i]
		system, err := blockdev.IsSystemDisk(dev)
		if err != nil {
			logrus.WithError(err).Warnf("cannot determine whether %s backs the system", dev.Path)
		}
		listings = append(listings, deviceListing{
			Path:      dev.Path,
			Size:      humanize.IBytes(dev.SizeBytes),
			SizeBytes: dev.SizeBytes,
			Kind:      dev.Kind.String(),
			Model:     dev.Model,
			Transport: dev.Transport,
			Removable: dev.Removable,
			System:    system,
		})
	}
	return listings, nil
}

func renderDeviceListings(listings []deviceListing, format string) (string, error) {
	switch format {
	case "text":
		var out string
		for _, l := range listings {
			marker := ""
			if l.System {
				marker = "  (system disk)"
			}
			out += fmt.Sprintf("%-16s %10s  %-26s %s%s\n", l.Path, l.Size, l.Kind, l.Model, marker)
		}
		return out, nil
	case "json":
		b, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	case "yaml":
		b, err := yaml.Marshal(listings)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported format %q, use text, json or yaml", format)
	}
}

func cmdListDevices(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	listings, err := listDevices()
	if err != nil {
		return err
	}
	out, err := renderDeviceListings(listings, format)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(os.Stdout, out)
	return err
}
