package main

var (
	ExitCodeFor          = exitCodeFor
	SplitPackageList     = splitPackageList
	ReadPackagesFile     = readPackagesFile
	StringOrConfig       = stringOrConfig
	IsRegularFile        = isRegularFile
	RenderDeviceListings = renderDeviceListings
)

type DeviceListing = deviceListing
