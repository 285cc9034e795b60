//go:build !unix

package roomsync

// lockFile is a no-op where flock is unavailable; the atomic rename still
// keeps readers from seeing a torn file.
func lockFile(path string, exclusive bool) (func(), error) {
	return func() {}, nil
}
