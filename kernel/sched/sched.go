// Package sched holds the task and thread objects that the rest of the
// kernel refers to. Scheduling policy lives elsewhere; these types carry the
// identity that crosses into user space through handles.
package sched

import "sync/atomic"

// nextTaskID and nextThreadID dispense identifiers; never reused.
var (
	nextTaskID   uint64
	nextThreadID uint64
)

// Task is a resource container: an address space plus one or more threads.
type Task struct {
	// ID is the kernel-unique identifier of the task.
	ID uint64

	// Name is a short human readable label used in diagnostics.
	Name string
}

// NewTask creates a task with a fresh identifier.
func NewTask(name string) *Task {
	return &Task{
		ID:   atomic.AddUint64(&nextTaskID, 1),
		Name: name,
	}
}

// Thread is a single execution context belonging to a task.
type Thread struct {
	// ID is the kernel-unique identifier of the thread.
	ID uint64

	// Task is the task the thread belongs to.
	Task *Task

	// Name is a short human readable label used in diagnostics.
	Name string
}

// NewThread creates a thread with a fresh identifier belonging to the given
// task.
func NewThread(task *Task, name string) *Thread {
	return &Thread{
		ID:   atomic.AddUint64(&nextThreadID, 1),
		Task: task,
		Name: name,
	}
}
