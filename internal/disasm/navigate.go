package disasm

// clampBuffer bounds size by the bytes actually present.
func clampBuffer(data []byte, size uint64) []byte {
	if size < uint64(len(data)) {
		return data[:size]
	}
	return data
}

// NavigateForward returns the rva of the unit n units after ip. ip is clamped
// to the last byte of the buffer; the walk stops early at the buffer end.
// An empty buffer or n <= 0 returns ip unchanged.
func (e *Engine) NavigateForward(data []byte, base, size, ip uint64, n int) uint64 {
	data = clampBuffer(data, size)
	if len(data) == 0 {
		return ip
	}
	end := uint64(len(data))
	if ip >= end {
		ip = end - 1
	}
	if n <= 0 {
		return ip
	}
	for i := 0; i < n && ip < end; i++ {
		ip += e.unitLength(data, base, ip)
	}
	return ip
}

// NavigateBackward returns the rva of the unit n units before ip.
//
// Boundaries before an arbitrary address cannot be computed directly, so the
// scan restarts far enough back to cover n maximum-length units plus margin,
// decodes forward to ip and remembers the last boundaries in a ring. n is
// clamped to [0, BackScanLimit-1] and ip to the last byte of the buffer.
func (e *Engine) NavigateBackward(data []byte, base, size, ip uint64, n int) uint64 {
	data = clampBuffer(data, size)
	if len(data) == 0 {
		return ip
	}
	n = max(0, min(n, e.cfg.BackScanLimit-1))
	end := uint64(len(data))
	if ip >= end {
		ip = end - 1
	}
	if n == 0 || ip < uint64(n) {
		return ip
	}

	back := min(ip, satMul(uint64(e.cfg.MaxInstructionLength), uint64(n+3)))
	pos := ip - back
	if e.folds != nil {
		addr := satAdd(base, pos)
		if e.folds.IsFolded(addr) {
			if begin := e.folds.FoldBegin(addr); begin >= base && begin-base < end {
				pos = begin - base
			}
		}
	}

	var ring [backRingSize]uint64
	i := 0
	for pos < ip {
		ring[i%backRingSize] = pos
		pos += e.unitLength(data, base, pos)
		i++
	}
	if i < n {
		return ring[0]
	}
	return ring[(i-n+backRingSize)%backRingSize]
}
