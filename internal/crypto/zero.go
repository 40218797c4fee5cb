package crypto

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Release zeroes key material and unlocks it from memory.
func Release(b []byte) {
	Zero(b)
	_ = unlockMemory(b)
}

// Pin keeps b out of swap while it holds key material. It is best effort;
// failures (e.g. RLIMIT_MEMLOCK) are ignored.
func Pin(b []byte) {
	_ = lockMemory(b)
}
