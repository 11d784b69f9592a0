package transport

// PortJitter implements the port-jitter rule (spec §4.4): the effective
// port for an attempt is base_port + ((now_seconds + process_id) mod
// port_count). It distributes retry load across a contiguous port range
// without requiring coordination between clients (spec §9 "Open
// Questions": collisions across co-scheduled clients are a deployment
// concern, not a correctness one).
func PortJitter(base, count uint16, pid int, nowSeconds int64) uint16 {
	if count == 0 {
		count = 1
	}

	offset := (nowSeconds + int64(pid)) % int64(count)
	if offset < 0 {
		offset += int64(count)
	}

	return base + uint16(offset) //nolint:gosec // G115: offset bounded to [0,count) by the modulo above
}
