package filestore

import "os"

// Options configures Store behavior.
type Options struct {
	FileMode os.FileMode // permission bits for stored files
	DirMode  os.FileMode // permission bits for session directories
}

// OptionFunc is a functional option for configuring a Store.
type OptionFunc func(opts *Options)

var defaultOpts = Options{FileMode: 0o640, DirMode: 0o750}

// WithFileMode sets the permission mode for stored files.
func WithFileMode(mode os.FileMode) OptionFunc {
	return func(opts *Options) { opts.FileMode = mode }
}

// WithDirMode sets the permission mode for directories.
func WithDirMode(mode os.FileMode) OptionFunc {
	return func(opts *Options) { opts.DirMode = mode }
}
