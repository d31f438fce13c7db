package magazine

import "sync/atomic"

// Stack is a lock-free intrusive LIFO of magazine storages.
//
// The head packs a 32-bit storage index and a 32-bit generation
// counter into one word, so a single 64-bit compare-and-swap updates
// both together. The generation bump on every successful push or pop
// defeats ABA: a stale head value never matches after the stack has
// been touched, even if the same storage index comes back on top.
// Storages are immortal, so there is no reclamation hazard to guard.
type Stack struct {
	head atomic.Uint64
}

func packHead(generation, index uint32) uint64 {
	return uint64(generation)<<32 | uint64(index)
}

func headIndex(head uint64) uint32 { return uint32(head) }

func headGeneration(head uint64) uint32 { return uint32(head >> 32) }

// Push adds a detached storage to the stack.
func (s *Stack) Push(st *Storage) {
	if st.next.Load() != 0 {
		panic("magazine: pushed storage is already linked")
	}

	for {
		head := s.head.Load()
		st.next.Store(headIndex(head))

		next := packHead(headGeneration(head)+1, st.self)
		if s.head.CompareAndSwap(head, next) {
			return
		}
	}
}

// Pop removes the most recently pushed storage, retrying through
// contention. Returns nil when the stack is empty.
func (s *Stack) Pop() *Storage {
	for {
		head := s.head.Load()

		index := headIndex(head)
		if index == 0 {
			return nil
		}

		st := storageAt(index)
		// st.next may be concurrently rewritten by a thread that
		// popped and re-pushed st; the generation check below rejects
		// the swap in that case, so a stale read is harmless.
		next := packHead(headGeneration(head)+1, st.next.Load())
		if s.head.CompareAndSwap(head, next) {
			st.next.Store(0)

			return st
		}
	}
}

// Len counts the stack's storages. The traversal races with pushes
// and pops, so the result is a point-in-time estimate; telemetry only.
func (s *Stack) Len() int {
	n := 0
	for index := headIndex(s.head.Load()); index != 0; {
		st := storageAt(index)
		index = st.next.Load()

		n++
		if n >= 1<<20 {
			// A concurrent relink can make the walk chase its tail;
			// give up rather than spin.
			break
		}
	}

	return n
}

// TryPop performs a single compare-and-swap attempt. It returns nil
// both on empty and on contention; callers that can fall back to
// another source use it to avoid retry storms on shared stacks.
func (s *Stack) TryPop() *Storage {
	head := s.head.Load()

	index := headIndex(head)
	if index == 0 {
		return nil
	}

	st := storageAt(index)
	next := packHead(headGeneration(head)+1, st.next.Load())
	if s.head.CompareAndSwap(head, next) {
		st.next.Store(0)

		return st
	}

	return nil
}
