// Package ebpf loads eBPF object files into the kernel.
//
// An object file is an ELF file emitted by clang for the bpf target. It
// contains programs, the maps they use and the relocations which tie the
// two together. LoadObject parses a file into an Object without touching the
// kernel. A Manager then creates the maps, patches map references into the
// program instructions and loads the programs, yielding a Collection.
//
// Attaching programs to kernel hooks lives in the link package, reading
// perf event arrays in the perf package.
//
// Most operations need CAP_BPF or root, and kernels before 5.11 charge
// eBPF memory against RLIMIT_MEMLOCK, see the rlimit package.
package ebpf
