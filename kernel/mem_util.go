package kernel

import "unsafe"

// Memset sets size bytes starting at addr to the supplied value. Instead of
// using a byte-by-byte loop, it makes log2(size) copy calls which is fast for
// the page-sized, aligned regions the memory manager clears.
func Memset(addr unsafe.Pointer, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(addr), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}

	copy(unsafe.Slice((*byte)(dst), size), unsafe.Slice((*byte)(src), size))
}
