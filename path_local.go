package blobfile

import "path/filepath"

// Local path helpers. These are thin passthroughs to the host OS, out of
// scope for the remote-object-access core.

func localJoin(a, b string) string {
	return filepath.Join(a, b)
}

func localBasename(p string) string {
	return filepath.Base(p)
}

func localDirname(p string) string {
	return filepath.Dir(p)
}
