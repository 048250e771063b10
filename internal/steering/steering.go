// Package steering attaches a classic BPF program to a reuse-port listening
// socket so the kernel dispatches accepted connections to the worker
// running on the same CPU that received them.
package steering

import "golang.org/x/sys/unix"

// BPF opcode components for the two-instruction CPU-hash program:
//
//	ld  [SKF_AD_OFF + SKF_AD_CPU]   ; load current CPU index
//	ret a                           ; return it as the reuse-port hash
const (
	bpfLD  = 0x00
	bpfRET = 0x06
	bpfW   = 0x00
	bpfABS = 0x20
	bpfA   = 0x10

	skfADCPU = 36
)

// cpuHashProgram returns the byte-code for a 2-instruction classic BPF
// program that returns the index of the CPU currently processing the
// packet.
func cpuHashProgram() []unix.SockFilter {
	// SKF_AD_OFF is defined as -0x1000; the kernel interprets the load key
	// as that negative offset plus the requested ancillary field index.
	k := uint32(0xfffff000) + skfADCPU
	return []unix.SockFilter{
		{Code: bpfLD | bpfW | bpfABS, K: k},
		{Code: bpfRET | bpfA},
	}
}

// AttachCPUSteering attaches the CPU-hash BPF program to fd via
// SO_ATTACH_REUSEPORT_CBPF, so that the kernel's reuse-port group uses the
// receiving CPU as its connection-steering hash.
func AttachCPUSteering(fd int) error {
	prog := cpuHashProgram()
	return unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_REUSEPORT_CBPF, &unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	})
}
