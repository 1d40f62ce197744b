package anchorkv

import "bytes"

// prefetchPage is a hint hook for architectures with an explicit cache
// prefetch instruction. This build carries no assembly fast path, so it is
// a no-op; searchPage below does the binary search directly in Go.
func prefetchPage(data []byte) {}

// getKeyAndCompareAsm extracts the key at idx from a page and compares it
// against searchKey. Despite the name (kept for parity with the Cursor-level
// fast paths that call it), this is the plain-Go implementation: anchorkv
// has no assembly backend, so every platform takes this path.
func getKeyAndCompareAsm(pageData []byte, idx int, searchKey []byte) int {
	offsetPos := pageHeaderSize + idx*2
	storedOffset := uint16(pageData[offsetPos]) | uint16(pageData[offsetPos+1])<<8
	offset := int(storedOffset) + pageHeaderSize

	keySize := int(uint16(pageData[offset+6]) | uint16(pageData[offset+7])<<8)
	keyStart := offset + NodeHeaderSize
	nodeKey := pageData[keyStart : keyStart+keySize]

	return bytes.Compare(searchKey, nodeKey)
}

func compareKeysAsm(a, b []byte) int {
	return bytes.Compare(a, b)
}

// searchPageAsm signals "no native fast path" by returning -1; callers fall
// back to the portable binary search in searchPage.
func searchPageAsm(pageData []byte, key []byte, isBranch bool) int {
	return -1
}

func binarySearchLeaf8(pageData []byte, key uint64, n int) int {
	return -1
}

func binarySearchBranch8(pageData []byte, key uint64, n int) int {
	return -1
}
