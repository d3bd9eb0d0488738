package filesystem

const (
	// TemporaryNamePrefix is the file name prefix used for the scratch
	// files of WriteFileAtomic. It may be suffixed with additional elements
	// if desired. The path-addressed writer in internal/atomicfile does not
	// use it; its scratch file is named "tmp-file".
	TemporaryNamePrefix = ".nb-temporary-"
)
