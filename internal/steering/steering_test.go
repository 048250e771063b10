package steering

import "testing"

func TestCPUHashProgramIsTwoInstructions(t *testing.T) {
	prog := cpuHashProgram()
	if len(prog) != 2 {
		t.Fatalf("expected 2 BPF instructions, got %d", len(prog))
	}
	if prog[0].Code != bpfLD|bpfW|bpfABS {
		t.Fatalf("first instruction should be LD|W|ABS, got %#x", prog[0].Code)
	}
	if prog[1].Code != bpfRET|bpfA {
		t.Fatalf("second instruction should be RET|A, got %#x", prog[1].Code)
	}
}

func TestCPUHashProgramLoadsCPUField(t *testing.T) {
	prog := cpuHashProgram()
	want := uint32(0xfffff000) + skfADCPU
	if prog[0].K != want {
		t.Fatalf("K = %#x, want %#x", prog[0].K, want)
	}
}
