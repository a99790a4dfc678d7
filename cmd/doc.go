// Package cmd implements the dSTM command line interface. The CLI bundles
// the benchmark harness for the transactional memory engine and small
// utility commands. Configuration is read from command line flags and from
// environment variables with the DSTM_ prefix (e.g. DSTM_THREADS=16).
package cmd
