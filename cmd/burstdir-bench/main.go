// Command burstdir-bench drives a directory writer at full speed and
// reports throughput, per-kind storage sizes, and physical I/O
// counters, then replays point lookups through a reader. Settings come
// from flags, the BURSTDIR_* environment, or an optional config file.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	burstdir "pkg.gfire.dev/burstdir"
	"pkg.gfire.dev/burstdir/internal/jobpool"
	"pkg.gfire.dev/burstdir/internal/vfs"
)

func main() {
	cfgFile := flag.String("config", "", "optional config file (yaml/toml/json)")
	flag.String("mode", "io", "benchmark mode: io or bf")
	flag.String("dir", "/tmp/burstdir-bench", "target directory")
	flag.Bool("mem", false, "run against an in-memory file system")
	flag.Int("rate-mbps", 0, "throttle file writes to this many MiB/s (0 = unlimited)")
	flag.Int("keys", 1<<20, "keys per epoch")
	flag.Int("epochs", 4, "number of epochs")
	flag.Int("value-size", 40, "value size in bytes")
	flag.Int("key-size", 8, "key size in bytes")
	flag.Int("lg-parts", 2, "partition count, as a power-of-two exponent")
	flag.Int("bits-per-key", 8, "bloom filter budget (0 disables filters)")
	flag.Int("memtable-mb", 32, "total memtable budget in MiB")
	flag.Int("workers", 4, "background compaction workers (0 = inline)")
	flag.String("compression", "none", "data block codec: none, snappy, or zstd")
	flag.Int("reads", 4096, "point lookups to replay after the write phase")
	flag.Parse()

	v := viper.New()
	v.SetEnvPrefix("BURSTDIR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flag.VisitAll(func(f *flag.Flag) {
		v.SetDefault(f.Name, f.Value.String())
	})
	flag.Visit(func(f *flag.Flag) {
		v.Set(f.Name, f.Value.String())
	})
	if *cfgFile != "" {
		v.SetConfigFile(*cfgFile)
		if err := v.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(v, log); err != nil {
		log.Fatal("benchmark failed", zap.Error(err))
	}
}

func run(v *viper.Viper, log *zap.Logger) error {
	opts := burstdir.DefaultDirOptions()
	opts.Logger = log
	opts.LgParts = v.GetInt("lg-parts")
	opts.KeySize = v.GetInt("key-size")
	opts.ValueSize = v.GetInt("value-size")
	opts.TotalMemtableBudget = v.GetInt("memtable-mb") << 20
	opts.BFBitsPerKey = v.GetInt("bits-per-key")

	switch codec := v.GetString("compression"); codec {
	case "none", "":
		opts.Compression = burstdir.NoCompression
	case "snappy":
		opts.Compression = burstdir.SnappyCompression
	case "zstd":
		opts.Compression = burstdir.ZstdCompression
	default:
		return fmt.Errorf("unknown compression %q", codec)
	}

	var fs vfs.FS
	if v.GetBool("mem") {
		fs = vfs.NewMem()
	} else {
		fs = vfs.NewDisk()
	}
	if mbps := v.GetInt("rate-mbps"); mbps > 0 {
		fs = vfs.NewRateLimited(fs, int64(mbps)<<20)
	}
	opts.FS = fs

	if workers := v.GetInt("workers"); workers > 0 {
		pool := jobpool.New(workers)
		defer pool.Close()
		opts.CompactionPool = pool
	}

	switch mode := v.GetString("mode"); mode {
	case "io":
		return benchIo(v, log, opts, v.GetString("dir"))
	case "bf":
		return benchBf(v, log, opts)
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
}

// benchIo measures write throughput across epochs and then read
// latency against the finished directory.
func benchIo(v *viper.Viper, log *zap.Logger, opts burstdir.DirOptions, dir string) error {
	keys := v.GetInt("keys")
	epochs := v.GetInt("epochs")
	keySize := v.GetInt("key-size")
	valueSize := v.GetInt("value-size")

	w, err := burstdir.Open(opts, dir)
	if err != nil {
		return err
	}

	key := make([]byte, keySize)
	value := make([]byte, valueSize)
	start := time.Now()
	for e := 0; e < epochs; e++ {
		for i := 0; i < keys; i++ {
			fillKey(key, uint64(i))
			fillValue(value, uint64(e), uint64(i))
			if err := w.Append(key, value, e); err != nil {
				return err
			}
		}
		if err := w.EpochFlush(e); err != nil {
			return err
		}
		log.Info("epoch flushed",
			zap.Int("epoch", e),
			zap.Int("memory_usage", w.MemoryUsage()))
	}
	if err := w.Finish(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	total := keys * epochs
	stats := w.IoStats()
	log.Info("write phase done",
		zap.Int("entries", total),
		zap.Duration("elapsed", elapsed),
		zap.Float64("entries_per_sec", float64(total)/elapsed.Seconds()),
		zap.Int("num_tables", w.NumTables()),
		zap.Int("estimated_table_size", w.EstimatedTableSize()),
		zap.Uint64("data_size", w.DataSize()),
		zap.Uint64("index_size", w.IndexSize()),
		zap.Uint64("filter_size", w.FilterSize()),
		zap.Uint64("io_data_bytes", stats.DataBytes),
		zap.Uint64("io_data_ops", stats.DataOps),
		zap.Uint64("io_index_bytes", stats.IndexBytes),
		zap.Uint64("io_index_ops", stats.IndexOps))

	return benchReads(v, log, opts, dir, epochs, valueSize)
}

// benchBf sweeps filter budgets over one fixed workload so their size
// and read amplification can be compared.
func benchBf(v *viper.Viper, log *zap.Logger, opts burstdir.DirOptions) error {
	for _, bits := range []int{0, 4, 8, 12, 16} {
		o := opts
		o.BFBitsPerKey = bits
		dir := fmt.Sprintf("%s-bf%02d", v.GetString("dir"), bits)
		if err := benchIo(v, log.With(zap.Int("bf_bits_per_key", bits)), o, dir); err != nil {
			return err
		}
	}
	return nil
}

func benchReads(v *viper.Viper, log *zap.Logger, opts burstdir.DirOptions, dir string, epochs, valueSize int) error {
	reads := v.GetInt("reads")
	if reads <= 0 {
		return nil
	}
	r, err := burstdir.OpenReader(opts, dir)
	if err != nil {
		return err
	}
	defer r.Close()

	key := make([]byte, v.GetInt("key-size"))
	start := time.Now()
	for i := 0; i < reads; i++ {
		fillKey(key, uint64(i))
		data, err := r.ReadAll(key)
		if err != nil {
			return err
		}
		if len(data) != epochs*valueSize {
			return fmt.Errorf("key %d: got %d bytes, want %d", i, len(data), epochs*valueSize)
		}
	}
	elapsed := time.Since(start)

	stats := r.IoStats()
	log.Info("read phase done",
		zap.Int("reads", reads),
		zap.Duration("elapsed", elapsed),
		zap.Float64("reads_per_sec", float64(reads)/elapsed.Seconds()),
		zap.Uint64("io_data_bytes", stats.DataBytes),
		zap.Uint64("io_data_ops", stats.DataOps),
		zap.Uint64("io_index_bytes", stats.IndexBytes),
		zap.Uint64("io_index_ops", stats.IndexOps))
	return nil
}

func fillKey(dst []byte, i uint64) {
	for j := len(dst) - 1; j >= 0; j-- {
		dst[j] = byte(i)
		i >>= 8
	}
}

func fillValue(dst []byte, epoch, i uint64) {
	for j := range dst {
		dst[j] = byte(epoch)
	}
	if len(dst) >= 8 {
		binary.LittleEndian.PutUint64(dst, i^epoch<<56)
	}
}
