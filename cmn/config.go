// Package cmn provides common constants, types, and utilities for aishuffle clients and engines.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NVIDIA/aishuffle/cmn/cos"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// compression codecs (ifile)
const (
	CodecNone   = "none"
	CodecLZ4    = "lz4"
	CodecGzip   = "gzip"
	CodecZstd   = "zstd"
	CodecSnappy = "snappy"
)

// fetch clients (shuffle.client)
const (
	ClientNetHTTP  = "net/http"
	ClientFastHTTP = "fasthttp"
)

// memory roles (memory.ratios)
const (
	RoleSortedOutput      = "sorted_output"
	RoleSortedMergedInput = "sorted_merged_input"
	RoleProcessor         = "processor"
	RoleOther             = "other"
)

type (
	// Config is constructed once per task attempt (DefaultConfig or LoadConfig),
	// validated, and then passed by pointer; it is never mutated afterwards.
	Config struct {
		LocalDirs       []string     `json:"local_dirs" yaml:"local_dirs"`
		CredentialsPath string       `json:"credentials_path" yaml:"credentials_path"`
		Memory          MemoryConf   `json:"memory" yaml:"memory"`
		Sort            SortConf     `json:"sort" yaml:"sort"`
		IFile           IFileConf    `json:"ifile" yaml:"ifile"`
		Shuffle         ShuffleConf  `json:"shuffle" yaml:"shuffle"`
		Strategy        StrategyConf `json:"strategy" yaml:"strategy"`
		Log             LogConf      `json:"log" yaml:"log"`
		Tracing         TracingConf  `json:"tracing" yaml:"tracing"`
	}

	MemoryConf struct {
		// total memory available to all components of the attempt;
		// zero means: derive from the system's available memory
		Total cos.SizeIEC `json:"total" yaml:"total"`
		// scale component requests down (weighted by Ratios) when they do not fit
		ScaleEnabled bool `json:"scale_enabled" yaml:"scale_enabled"`
		// fraction of Total kept aside for the runtime itself
		ReserveFraction float64        `json:"reserve_fraction" yaml:"reserve_fraction"`
		Ratios          map[string]int `json:"ratios" yaml:"ratios"`
	}

	SortConf struct {
		BufferSize       cos.SizeIEC `json:"buffer_size" yaml:"buffer_size"`
		SpillPercent     float64     `json:"spill_percent" yaml:"spill_percent"`
		Factor           int         `json:"factor" yaml:"factor"`
		Threads          int         `json:"threads" yaml:"threads"`
		CombineMinSpills int         `json:"combine_min_spills" yaml:"combine_min_spills"`
		// stable sort is required only when a secondary comparator depends on insertion order
		Stable          bool  `json:"stable" yaml:"stable"`
		ProgressRecords int64 `json:"progress_records" yaml:"progress_records"`
	}

	IFileConf struct {
		Codec          string      `json:"codec" yaml:"codec"`
		Checksum       string      `json:"checksum" yaml:"checksum"`
		Readahead      bool        `json:"readahead" yaml:"readahead"`
		ReadaheadBytes cos.SizeIEC `json:"readahead_bytes" yaml:"readahead_bytes"`
		BufferSize     cos.SizeIEC `json:"buffer_size" yaml:"buffer_size"`
	}

	ShuffleConf struct {
		Client             string       `json:"client" yaml:"client"`
		LocalHost          string       `json:"local_host" yaml:"local_host"`
		Codec              string       `json:"codec" yaml:"codec"` // empty: same as ifile.codec
		ParallelCopies     int          `json:"parallel_copies" yaml:"parallel_copies"`
		FetchFailuresLimit int          `json:"fetch_failures_limit" yaml:"fetch_failures_limit"`
		ConnectTimeout     cos.Duration `json:"connect_timeout" yaml:"connect_timeout"`
		ReadTimeout        cos.Duration `json:"read_timeout" yaml:"read_timeout"`
		BackoffInitial     cos.Duration `json:"backoff_initial" yaml:"backoff_initial"`
		BackoffMax         cos.Duration `json:"backoff_max" yaml:"backoff_max"`
		KeepAlive          bool         `json:"keep_alive" yaml:"keep_alive"`
		KeepAliveMaxConns  int          `json:"keep_alive_max_connections" yaml:"keep_alive_max_connections"`
		BufferSize         cos.SizeIEC  `json:"buffer_size" yaml:"buffer_size"`
		EnableSSL          bool         `json:"enable_ssl" yaml:"enable_ssl"`
		SkipVerify         bool         `json:"skip_verify" yaml:"skip_verify"`
		// memoryLimit = allocation * InputBufferPercent
		InputBufferPercent float64 `json:"input_buffer_percent" yaml:"input_buffer_percent"`
		// max single in-memory segment = memoryLimit * MemoryLimitPercent
		MemoryLimitPercent float64 `json:"memory_limit_percent" yaml:"memory_limit_percent"`
		// in-memory merge trigger = memoryLimit * MergePercent
		MergePercent float64 `json:"merge_percent" yaml:"merge_percent"`
		MemToMem     bool    `json:"memtomem" yaml:"memtomem"`
		// resident segment count that triggers memory-to-memory merge; zero: sort.factor
		MemToMemSegments int `json:"memtomem_segments" yaml:"memtomem_segments"`
		// fraction of memoryLimit that in-memory segments may retain for the final merge
		TaskInputBufferPercent float64 `json:"task_input_buffer_percent" yaml:"task_input_buffer_percent"`
		NotifyReadError        bool    `json:"notify_read_error" yaml:"notify_read_error"`
	}

	StrategyConf struct {
		Partitioner         string `json:"partitioner" yaml:"partitioner"`
		Comparator          string `json:"comparator" yaml:"comparator"`
		SecondaryComparator string `json:"secondary_comparator" yaml:"secondary_comparator"`
		GroupComparator     string `json:"group_comparator" yaml:"group_comparator"`
		Combiner            string `json:"combiner" yaml:"combiner"`
		NumPartitions       int    `json:"num_partitions" yaml:"num_partitions"`
	}

	LogConf struct {
		Dir      string `json:"dir" yaml:"dir"`
		Level    int    `json:"level" yaml:"level"`
		ToStderr bool   `json:"to_stderr" yaml:"to_stderr"`
	}

	TracingConf struct {
		Enabled            bool    `json:"enabled" yaml:"enabled"`
		ExporterEndpoint   string  `json:"exporter_endpoint" yaml:"exporter_endpoint"`
		ServiceName        string  `json:"service_name" yaml:"service_name"`
		SamplerProbability float64 `json:"sampler_probability" yaml:"sampler_probability"`
		SkipVerify         bool    `json:"skip_verify" yaml:"skip_verify"`
	}
)

func DefaultConfig() *Config {
	return &Config{
		LocalDirs: []string{filepath.Join(os.TempDir(), "aishuffle")},
		Memory: MemoryConf{
			ScaleEnabled:    true,
			ReserveFraction: 0.3,
			Ratios: map[string]int{
				RoleSortedOutput:      2,
				RoleSortedMergedInput: 3,
				RoleProcessor:         1,
				RoleOther:             1,
			},
		},
		Sort: SortConf{
			BufferSize:       100 * cos.MiB,
			SpillPercent:     0.8,
			Factor:           100,
			Threads:          1,
			CombineMinSpills: 3,
			ProgressRecords:  10000,
		},
		IFile: IFileConf{
			Codec:          CodecNone,
			Checksum:       cos.ChecksumXXHash,
			Readahead:      true,
			ReadaheadBytes: 4 * cos.MiB,
			BufferSize:     64 * cos.KiB,
		},
		Shuffle: ShuffleConf{
			Client:                 ClientNetHTTP,
			ParallelCopies:         20,
			FetchFailuresLimit:     5,
			ConnectTimeout:         cos.Duration(180 * time.Second),
			ReadTimeout:            cos.Duration(180 * time.Second),
			BackoffInitial:         cos.Duration(100 * time.Millisecond),
			BackoffMax:             cos.Duration(10 * time.Second),
			KeepAliveMaxConns:      20,
			BufferSize:             8 * cos.KiB,
			InputBufferPercent:     0.90,
			MemoryLimitPercent:     0.25,
			MergePercent:           0.90,
			TaskInputBufferPercent: 0.0,
			NotifyReadError:        true,
		},
		Strategy: StrategyConf{
			Partitioner:   "hash",
			Comparator:    "bytes",
			NumPartitions: 1,
		},
		Tracing: TracingConf{
			ServiceName:        "aishuffle",
			SamplerProbability: 1.0,
		},
	}
}

// LoadConfig reads JSON or YAML (by extension) on top of the defaults and validates the result
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	config := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, config)
	default:
		err = jsoniter.Unmarshal(b, config)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", path)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if len(c.LocalDirs) == 0 {
		return errors.New("invalid local_dirs: at least one directory is required")
	}
	for _, v := range []interface{ Validate() error }{&c.Memory, &c.Sort, &c.IFile, &c.Shuffle, &c.Strategy, &c.Tracing} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) String() string {
	b, _ := jsoniter.Marshal(c)
	return string(b)
}

// ShuffleCodec returns the codec of the fetched (input) segments
func (c *Config) ShuffleCodec() string {
	if c.Shuffle.Codec == "" {
		return c.IFile.Codec
	}
	return c.Shuffle.Codec
}

// MemToMemSegments returns the resident segment count that triggers memory-to-memory merge
func (c *Config) MemToMemSegments() int {
	if c.Shuffle.MemToMemSegments > 0 {
		return c.Shuffle.MemToMemSegments
	}
	return c.Sort.Factor
}

func (c *MemoryConf) Validate() error {
	if c.Total < 0 {
		return fmt.Errorf("invalid memory.total=%d (expecting non-negative)", c.Total)
	}
	if !isFraction(c.ReserveFraction) || c.ReserveFraction == 1 {
		return fmt.Errorf("invalid memory.reserve_fraction=%f (expecting [0, 1))", c.ReserveFraction)
	}
	for role, w := range c.Ratios {
		if w < 0 {
			return fmt.Errorf("invalid memory.ratios[%s]=%d (expecting non-negative)", role, w)
		}
	}
	return nil
}

func (c *SortConf) Validate() error {
	switch {
	case c.BufferSize <= 0:
		return fmt.Errorf("invalid sort.buffer_size=%d (expecting positive)", c.BufferSize)
	case c.SpillPercent <= 0 || c.SpillPercent > 1:
		return fmt.Errorf("invalid sort.spill_percent=%f (expecting (0, 1])", c.SpillPercent)
	case c.Factor < 2:
		return fmt.Errorf("invalid sort.factor=%d (expecting >= 2)", c.Factor)
	case c.Threads < 1:
		return fmt.Errorf("invalid sort.threads=%d (expecting >= 1)", c.Threads)
	case c.CombineMinSpills < 0:
		return fmt.Errorf("invalid sort.combine_min_spills=%d", c.CombineMinSpills)
	case c.ProgressRecords < 0:
		return fmt.Errorf("invalid sort.progress_records=%d", c.ProgressRecords)
	}
	return nil
}

func (c *IFileConf) Validate() error {
	if err := ValidateCodec(c.Codec); err != nil {
		return fmt.Errorf("invalid ifile.codec: %v", err)
	}
	if err := cos.ValidateCksumType(c.Checksum); err != nil {
		return fmt.Errorf("invalid ifile.checksum: %v", err)
	}
	if c.BufferSize <= 0 || (c.Readahead && c.ReadaheadBytes <= 0) {
		return fmt.Errorf("invalid ifile buffering: buffer_size=%s, readahead_bytes=%s", c.BufferSize, c.ReadaheadBytes)
	}
	return nil
}

func (c *ShuffleConf) Validate() error {
	switch c.Client {
	case ClientNetHTTP, ClientFastHTTP:
	default:
		return fmt.Errorf("invalid shuffle.client %q (expecting %q or %q)", c.Client, ClientNetHTTP, ClientFastHTTP)
	}
	if c.Codec != "" {
		if err := ValidateCodec(c.Codec); err != nil {
			return fmt.Errorf("invalid shuffle.codec: %v", err)
		}
	}
	switch {
	case c.ParallelCopies < 1:
		return fmt.Errorf("invalid shuffle.parallel_copies=%d (expecting >= 1)", c.ParallelCopies)
	case c.FetchFailuresLimit < 1:
		return fmt.Errorf("invalid shuffle.fetch_failures_limit=%d (expecting >= 1)", c.FetchFailuresLimit)
	case c.ConnectTimeout <= 0 || c.ReadTimeout <= 0:
		return fmt.Errorf("invalid shuffle timeouts: connect=%s, read=%s", c.ConnectTimeout, c.ReadTimeout)
	case c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial:
		return fmt.Errorf("invalid shuffle backoff: initial=%s, max=%s", c.BackoffInitial, c.BackoffMax)
	case c.KeepAlive && c.KeepAliveMaxConns < 1:
		return fmt.Errorf("invalid shuffle.keep_alive_max_connections=%d", c.KeepAliveMaxConns)
	case c.BufferSize <= 0:
		return fmt.Errorf("invalid shuffle.buffer_size=%d", c.BufferSize)
	case c.InputBufferPercent <= 0 || c.InputBufferPercent > 1:
		return fmt.Errorf("invalid shuffle.input_buffer_percent=%f (expecting (0, 1])", c.InputBufferPercent)
	case c.MemoryLimitPercent <= 0 || c.MemoryLimitPercent > 1:
		return fmt.Errorf("invalid shuffle.memory_limit_percent=%f (expecting (0, 1])", c.MemoryLimitPercent)
	case c.MergePercent <= 0 || c.MergePercent > 1:
		return fmt.Errorf("invalid shuffle.merge_percent=%f (expecting (0, 1])", c.MergePercent)
	case !isFraction(c.TaskInputBufferPercent):
		return fmt.Errorf("invalid shuffle.task_input_buffer_percent=%f (expecting [0, 1])", c.TaskInputBufferPercent)
	case c.MemToMemSegments < 0:
		return fmt.Errorf("invalid shuffle.memtomem_segments=%d", c.MemToMemSegments)
	}
	return nil
}

func (c *StrategyConf) Validate() error {
	if c.Partitioner == "" || c.Comparator == "" {
		return errors.New("invalid strategy: partitioner and comparator are required")
	}
	if c.NumPartitions < 1 {
		return fmt.Errorf("invalid strategy.num_partitions=%d (expecting >= 1)", c.NumPartitions)
	}
	return nil
}

func (c *TracingConf) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ExporterEndpoint == "" {
		return errors.New("invalid tracing.exporter_endpoint: required when tracing is enabled")
	}
	if c.SamplerProbability <= 0 || c.SamplerProbability > 1 {
		return fmt.Errorf("invalid tracing.sampler_probability=%f (expecting (0, 1])", c.SamplerProbability)
	}
	return nil
}

func ValidateCodec(codec string) error {
	switch codec {
	case CodecNone, CodecLZ4, CodecGzip, CodecZstd, CodecSnappy:
		return nil
	}
	return fmt.Errorf("unknown codec %q (expecting one of: %s)", codec,
		strings.Join([]string{CodecNone, CodecLZ4, CodecGzip, CodecZstd, CodecSnappy}, ", "))
}

func isFraction(f float64) bool { return f >= 0 && f <= 1 }
