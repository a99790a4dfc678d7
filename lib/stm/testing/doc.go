// Package testing provides a conformance test suite and benchmarks for
// stm.IRegion implementations. Engines register a factory and get the full
// behavioral contract checked: round trips, conflict detection, read-only
// snapshot isolation, segment lifecycle, and serializability under
// concurrent load.
//
// Usage Example:
//
//	func Test(t *testing.T) {
//	    stmtesting.RunRegionTests(t, "Aspen", func(size, align uint64) (stm.IRegion, error) {
//	        return aspen.Create(size, align)
//	    })
//	}
package testing
