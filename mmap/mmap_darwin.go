//go:build darwin

package mmap

import "errors"

// tryMremap has no darwin equivalent; it always fails so Remap falls back
// to the portable unmap-then-remap path.
func (m *Map) tryMremap(newSize int) ([]byte, error) {
	return nil, errors.New("mremap not available on darwin")
}
