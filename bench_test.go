package slitter

import (
	"testing"
	"unsafe"
)

// BenchmarkCacheAllocRelease measures the paired hot path: a pop from
// the alloc magazine and a push into the release magazine, with the
// periodic refill/clear slow paths amortised in.
func BenchmarkCacheAllocRelease(b *testing.B) {
	class := MustRegisterClass(ClassConfig{Name: "bench_pair", Size: 64})

	cache := NewCache()
	defer cache.Close()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p := cache.Allocate(class)
		if p == nil {
			b.Fatal("allocation failed")
		}

		cache.Release(class, p)
	}
}

// BenchmarkCacheBatch measures magazine turnover: drain a magazine's
// worth, then release it all back.
func BenchmarkCacheBatch(b *testing.B) {
	class := MustRegisterClass(ClassConfig{Name: "bench_batch", Size: 64})

	cache := NewCache()
	defer cache.Close()

	var ptrs [30]unsafe.Pointer

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for j := range ptrs {
			ptrs[j] = cache.Allocate(class)
		}

		for j := len(ptrs) - 1; j >= 0; j-- {
			cache.Release(class, ptrs[j])
		}
	}
}

// BenchmarkPooledAllocRelease measures the package-level entry points,
// including the cache-pool checkout.
func BenchmarkPooledAllocRelease(b *testing.B) {
	class := MustRegisterClass(ClassConfig{Name: "bench_pooled", Size: 64})

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		p := Allocate(class)
		if p == nil {
			b.Fatal("allocation failed")
		}

		Release(class, p)
	}
}

// BenchmarkParallelAllocRelease drives the pooled entry points from
// every P at once, exercising depot contention.
func BenchmarkParallelAllocRelease(b *testing.B) {
	class := MustRegisterClass(ClassConfig{Name: "bench_parallel", Size: 64})

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p := Allocate(class)
			if p == nil {
				b.Error("allocation failed")

				return
			}

			Release(class, p)
		}
	})
}
