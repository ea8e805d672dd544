package ratelimit

import (
	"strconv"
	"testing"
	"time"
)

// BenchmarkLimiterAdmit measures admission against a full window, where every
// decision has to search the bucket.
func BenchmarkLimiterAdmit(b *testing.B) {
	l := New("bench", 1000, time.Minute)
	for i := 0; i < 1000; i++ {
		l.Admit("caller")
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Admit("caller")
	}
}

// BenchmarkLimiterAdmitManyKeys spreads calls over many client IPs.
func BenchmarkLimiterAdmitManyKeys(b *testing.B) {
	l := New("bench", 50, time.Minute)
	keys := make([]string, 4096)
	for i := range keys {
		keys[i] = "10.0." + strconv.Itoa(i/256) + "." + strconv.Itoa(i%256)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Admit(keys[i%len(keys)])
	}
}

// BenchmarkChainAdmit measures an all-or-nothing decision over two limiters.
func BenchmarkChainAdmit(b *testing.B) {
	user := New("user", 60, time.Minute)
	device := New("device", 30, time.Minute)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := strconv.Itoa(i % 512)
			Chain{{Limiter: user, Key: "u" + id}, {Limiter: device, Key: "d" + id}}.Admit()
			i++
		}
	})
}
