package pacrepo

var (
	ResolveClosure   = resolveClosure
	ResolveFilenames = resolveFilenames
	StagePackages    = stagePackages
	WriteManifest    = writeManifest
	NormalizeTree    = normalizeTree
)

func MockRunCmdQuiet(new func(string, ...string) error) (restore func()) {
	saved := runCmdQuiet
	runCmdQuiet = new
	return func() {
		runCmdQuiet = saved
	}
}

func MockRunCmdOutput(new func(string, ...string) ([]byte, error)) (restore func()) {
	saved := runCmdOutput
	runCmdOutput = new
	return func() {
		runCmdOutput = saved
	}
}
