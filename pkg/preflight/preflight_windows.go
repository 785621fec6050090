//go:build windows

package preflight

// platformValidateMountPoint is a no-op on Windows; drive letters make
// the unmounted-volume failure mode visible as a plain missing path.
func platformValidateMountPoint(path string) error {
	return nil
}
