// Package sim is a software model of the hardware the control plane
// drives: virtualization capability, per-CPU enable state, the world-switch
// trampoline and the timer. A Machine implements both vmm.Monitor and
// percpu.Executor, so a whole System runs in an ordinary process.
//
// Guest behavior is scripted: tests push Event values onto a CPU's queue
// and each Enter pops one, applies its register effects and returns the
// exit syndrome the real trampoline would have captured. An empty queue
// models a guest spinning in uninteresting code; Enter then blocks until a
// kick forces an exit.
package sim
