package aspen

import (
	"testing"

	"github.com/ValentinKolb/dSTM/lib/stm"
	stmtesting "github.com/ValentinKolb/dSTM/lib/stm/testing"
)

func Test(t *testing.T) {
	stmtesting.RunRegionTests(t, "Aspen", func(size, align uint64) (stm.IRegion, error) {
		return Create(size, align)
	})
}

func Benchmark(b *testing.B) {
	stmtesting.RunRegionBenchmarks(b, "Aspen", func(size, align uint64) (stm.IRegion, error) {
		return Create(size, align)
	})
}
