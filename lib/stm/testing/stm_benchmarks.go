package testing

import (
	"encoding/binary"
	"testing"

	"github.com/ValentinKolb/dSTM/lib/stm"
)

// RunRegionBenchmarks runs a benchmark suite for an IRegion implementation.
func RunRegionBenchmarks(b *testing.B, name string, factory RegionFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("ReadOnly", func(b *testing.B) {
			benchmarkReadOnly(b, factory)
		})

		b.Run("ReadOnlyParallel", func(b *testing.B) {
			benchmarkReadOnlyParallel(b, factory)
		})

		b.Run("WriteCommit", func(b *testing.B) {
			benchmarkWriteCommit(b, factory)
		})

		b.Run("TransferParallel", func(b *testing.B) {
			benchmarkTransferParallel(b, factory)
		})
	})
}

// benchRegion creates a seeded region for the benchmarks.
func benchRegion(b *testing.B, factory RegionFactory, words uint64) (stm.IRegion, stm.Addr, uint64) {
	b.Helper()
	region, err := factory(words*8, 8)
	if err != nil {
		b.Fatalf("factory failed: %v", err)
	}
	align := region.Alignment()
	first := region.FirstAddr()

	seed, err := region.Begin(false)
	if err != nil {
		b.Fatalf("Begin failed: %v", err)
	}
	buf := make([]byte, align)
	for i := uint64(0); i < words; i++ {
		binary.LittleEndian.PutUint64(buf, i)
		if !seed.Write(buf, first+stm.Addr(i*align)) {
			b.Fatalf("seed write %d aborted", i)
		}
	}
	if !seed.End() {
		b.Fatal("seed transaction did not commit")
	}
	return region, first, align
}

func benchmarkReadOnly(b *testing.B, factory RegionFactory) {
	region, first, align := benchRegion(b, factory, 128)
	buf := make([]byte, align)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tx, err := region.Begin(true)
		if err != nil {
			b.Fatal(err)
		}
		tx.Read(first+stm.Addr(uint64(i%128)*align), buf)
		tx.End()
	}
}

func benchmarkReadOnlyParallel(b *testing.B, factory RegionFactory) {
	region, first, align := benchRegion(b, factory, 128)

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, align)
		i := 0
		for pb.Next() {
			tx, err := region.Begin(true)
			if err != nil {
				b.Error(err)
				return
			}
			tx.Read(first+stm.Addr(uint64(i%128)*align), buf)
			tx.End()
			i++
		}
	})
}

func benchmarkWriteCommit(b *testing.B, factory RegionFactory) {
	region, first, align := benchRegion(b, factory, 128)
	buf := make([]byte, align)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		tx, err := region.Begin(false)
		if err != nil {
			b.Fatal(err)
		}
		binary.LittleEndian.PutUint64(buf, uint64(i))
		tx.Write(buf, first+stm.Addr(uint64(i%128)*align))
		tx.End()
	}
}

func benchmarkTransferParallel(b *testing.B, factory RegionFactory) {
	const accounts = 128
	region, first, align := benchRegion(b, factory, accounts)

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		buf := make([]byte, align)
		i := 0
		for pb.Next() {
			src := first + stm.Addr(uint64(i%accounts)*align)
			dst := first + stm.Addr(uint64((i*31+1)%accounts)*align)
			i++
			if src == dst {
				continue
			}

			tx, err := region.Begin(false)
			if err != nil {
				b.Error(err)
				return
			}
			if !tx.Read(src, buf) {
				tx.End()
				continue
			}
			if !tx.Write(buf, dst) {
				tx.End()
				continue
			}
			tx.End()
		}
	})
}
