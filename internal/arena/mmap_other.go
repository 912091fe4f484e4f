//go:build !unix

package arena

func mapRegion(size int) ([]byte, bool, error) {
	return make([]byte, size), false, nil
}

func unmapRegion([]byte) error {
	return nil
}
