package bench

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dSTM/cmd/util"
	"github.com/ValentinKolb/dSTM/lib/stm"
	"github.com/ValentinKolb/dSTM/lib/stm/engines/aspen"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark the transactional memory engine",
		Long:    "Run a configurable concurrency benchmark against an in-process aspen region and report throughput, commit/abort rates and latencies.",
		PreRunE: processConfig,
		RunE:    run,
	}

	benchThreads     = 8
	benchWords       = 128
	benchDuration    = 5 * time.Second
	benchWorkload    = "transfer"
	benchMetricsAddr = ""
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// add flags
	key := "threads"
	BenchCmd.PersistentFlags().Int(key, 8, util.WrapString("Number of worker goroutines"))
	key = "words"
	BenchCmd.PersistentFlags().Int(key, 128, util.WrapString("Number of words in the first segment of the benchmark region"))
	key = "duration"
	BenchCmd.PersistentFlags().Duration(key, 5*time.Second, util.WrapString("How long to run the benchmark"))
	key = "workload"
	BenchCmd.PersistentFlags().String(key, "transfer", util.WrapString("Workload to run: counter (all writers hit one word), transfer (random pairs), read (read-only)"))
	key = "metrics-addr"
	BenchCmd.PersistentFlags().String(key, "", util.WrapString("Optional listen address for a Prometheus /metrics endpoint (e.g. :9090)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchThreads = viper.GetInt("threads")
	benchWords = viper.GetInt("words")
	benchDuration = viper.GetDuration("duration")
	benchWorkload = viper.GetString("workload")
	benchMetricsAddr = viper.GetString("metrics-addr")

	if benchThreads < 1 || benchWords < 1 {
		return fmt.Errorf("threads and words must be positive")
	}
	switch benchWorkload {
	case "counter", "transfer", "read":
	default:
		return fmt.Errorf("unknown workload %q", benchWorkload)
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {

	fmt.Println("Benchmark tool for the dSTM engine")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Workload: %s\n", benchWorkload)
	fmt.Printf("Threads:  %d\n", benchThreads)
	fmt.Printf("Words:    %d\n", benchWords)
	fmt.Printf("Duration: %s\n", benchDuration)
	fmt.Println()

	region, err := aspen.Create(uint64(benchWords)*8, 8)
	if err != nil {
		return err
	}
	align := region.Alignment()
	first := region.FirstAddr()

	// local metrics (console report)
	registry := gometrics.NewRegistry()
	commitMeter := gometrics.GetOrRegisterMeter("commits", registry)
	abortMeter := gometrics.GetOrRegisterMeter("aborts", registry)
	latency := gometrics.GetOrRegisterTimer("latency", registry)

	// exported metrics (Prometheus endpoint)
	vmCommits := vmetrics.GetOrCreateCounter(`dstm_bench_commits_total{workload="` + benchWorkload + `"}`)
	vmAborts := vmetrics.GetOrCreateCounter(`dstm_bench_aborts_total{workload="` + benchWorkload + `"}`)

	if benchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			vmetrics.WritePrometheus(w, true)
		})
		go func() {
			if err := http.ListenAndServe(benchMetricsAddr, mux); err != nil {
				fmt.Printf("metrics endpoint failed: %v\n", err)
			}
		}()
		fmt.Printf("serving metrics on %s/metrics\n\n", benchMetricsAddr)
	}

	// seed the region so the read workload has something to look at
	seed, err := region.Begin(false)
	if err != nil {
		return err
	}
	buf := make([]byte, align)
	for i := 0; i < benchWords; i++ {
		binary.LittleEndian.PutUint64(buf, uint64(i))
		if !seed.Write(buf, first+stm.Addr(uint64(i)*align)) {
			return fmt.Errorf("seeding word %d aborted", i)
		}
	}
	if !seed.End() {
		return fmt.Errorf("seed transaction did not commit")
	}

	fmt.Println("starting benchmark...")

	var (
		wg   sync.WaitGroup
		stop atomic.Bool
	)
	wg.Add(benchThreads)
	for w := 0; w < benchThreads; w++ {
		go func(w int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(w) + 1))
			buf := make([]byte, align)

			for !stop.Load() {
				start := time.Now()
				committed := runOp(region, rng, buf)
				latency.UpdateSince(start)

				if committed {
					commitMeter.Mark(1)
					vmCommits.Inc()
				} else {
					abortMeter.Mark(1)
					vmAborts.Inc()
				}
			}
		}(w)
	}

	time.Sleep(benchDuration)
	stop.Store(true)
	wg.Wait()

	// report
	total := commitMeter.Count() + abortMeter.Count()
	info := region.Info()

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("transactions: %d (%.0f/s)\n", total, float64(total)/benchDuration.Seconds())
	fmt.Printf("commits:      %d\n", commitMeter.Count())
	fmt.Printf("aborts:       %d (%.2f%%)\n", abortMeter.Count(), 100*float64(abortMeter.Count())/float64(max(total, 1)))
	fmt.Printf("latency:      mean %.2fus, p99 %.2fus\n", latency.Mean()/1e3, latency.Percentile(0.99)/1e3)
	fmt.Printf("epochs:       %d\n", info.Epoch)

	return region.Close()
}

// runOp executes one transaction of the configured workload and reports
// whether it committed.
func runOp(region stm.IRegion, rng *rand.Rand, buf []byte) bool {
	align := region.Alignment()
	first := region.FirstAddr()
	words := region.Size() / align

	word := func(i uint64) stm.Addr {
		return first + stm.Addr(i*align)
	}

	switch benchWorkload {
	case "read":
		tx, err := region.Begin(true)
		if err != nil {
			return false
		}
		tx.Read(word(rng.Uint64()%words), buf)
		return tx.End()

	case "counter":
		tx, err := region.Begin(false)
		if err != nil {
			return false
		}
		if !tx.Read(word(0), buf) {
			return tx.End()
		}
		binary.LittleEndian.PutUint64(buf, binary.LittleEndian.Uint64(buf)+1)
		if !tx.Write(buf, word(0)) {
			return tx.End()
		}
		return tx.End()

	default: // transfer
		src := rng.Uint64() % words
		dst := rng.Uint64() % words
		if src == dst {
			dst = (dst + 1) % words
		}

		tx, err := region.Begin(false)
		if err != nil {
			return false
		}
		if !tx.Read(word(src), buf) {
			return tx.End()
		}
		srcVal := binary.LittleEndian.Uint64(buf)
		if !tx.Read(word(dst), buf) {
			return tx.End()
		}
		dstVal := binary.LittleEndian.Uint64(buf)

		binary.LittleEndian.PutUint64(buf, srcVal-1)
		if !tx.Write(buf, word(src)) {
			return tx.End()
		}
		binary.LittleEndian.PutUint64(buf, dstVal+1)
		if !tx.Write(buf, word(dst)) {
			return tx.End()
		}
		return tx.End()
	}
}
