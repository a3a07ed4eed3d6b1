package helper

import "sync"

// Invoker is responsible for handling goroutines.
// This is used so go routines do not leak and are
// spawned without any control.
// Using the invoker to spawn new routines will guarantee
// that any routine that is not controller careful will
// be known when the component owning it finishes.
type Invoker interface {
	// Spawn a new goroutine and manage through the SyncGroup.
	Spawn(func())

	// Stop the invoker and wait for every spawned routine. After
	// this any invoked go routine is silently discarded.
	Stop()
}

// GroupInvoker implements the Invoker interface.
// Each component owns its own invoker, there is no process-wide
// instance.
type GroupInvoker struct {
	// Use to synchronize if the invoker if open or not.
	mutex sync.Mutex

	// Flag that tells if the invoker still available or not.
	working bool

	// Wait group to keep track of go routines.
	group sync.WaitGroup
}

// NewInvoker creates an invoker ready to spawn routines.
func NewInvoker() *GroupInvoker {
	return &GroupInvoker{working: true}
}

// This method will increase the size of the group
// count and spawn the new go routine. After the
// routine is done, the group will be decreased.
func (c *GroupInvoker) Spawn(f func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.working {
		return
	}

	c.group.Add(1)
	go func() {
		defer c.group.Done()
		f()
	}()
}

// Blocks while waiting for go routines to stop.
func (c *GroupInvoker) Stop() {
	c.mutex.Lock()
	c.working = false
	c.mutex.Unlock()
	c.group.Wait()
}
