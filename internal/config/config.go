// Package config reads the batch configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/twpayne/go-demparquet"
)

type Config struct {
	Endpoint    string
	S3Region    string
	Bucket      string
	Prefix      string
	Anonymous   bool
	RawDir      string
	OutputDir   string
	Region      string
	Bands       string
	MaxFetches  int
	CPUWorkers  int
	Compression string
	KeepGoing   bool
	LogLevel    string
	LogConsole  bool
	StatusAddr  string

	envErrs []error
}

// FromEnv returns the configuration from the environment. Malformed values
// are replaced by their defaults and reported by Validate.
func FromEnv() Config {
	var errs []error
	return Config{
		Endpoint:    getenv("DEMPARQUET_ENDPOINT", "https://opentopography.s3.sdsc.edu"),
		S3Region:    getenv("DEMPARQUET_S3_REGION", "us-east-1"),
		Bucket:      getenv("DEMPARQUET_BUCKET", "raster"),
		Prefix:      getenv("DEMPARQUET_PREFIX", "AW3D30/AW3D30_global/"),
		Anonymous:   getbool(&errs, "DEMPARQUET_ANONYMOUS", true),
		RawDir:      getenv("DEMPARQUET_RAW_DIR", "tif"),
		OutputDir:   getenv("DEMPARQUET_OUTPUT_DIR", "parquet"),
		Region:      getenv("DEMPARQUET_REGION", "world"),
		Bands:       getenv("DEMPARQUET_BANDS", ""),
		MaxFetches:  getint(&errs, "DEMPARQUET_MAX_FETCHES", 4),
		CPUWorkers:  getint(&errs, "DEMPARQUET_CPU_WORKERS", runtime.GOMAXPROCS(0)),
		Compression: getenv("DEMPARQUET_COMPRESSION", "zstd"),
		KeepGoing:   getbool(&errs, "DEMPARQUET_KEEP_GOING", false),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogConsole:  getbool(&errs, "LOG_CONSOLE", false),
		StatusAddr:  getenv("DEMPARQUET_STATUS_ADDR", ""),
		envErrs:     errs,
	}
}

// Validate returns an error describing every invalid field in c.
func (c Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	if c.Bucket == "" {
		errs = append(errs, errors.New("bucket: must not be empty"))
	}
	if c.RawDir == "" || c.OutputDir == "" {
		errs = append(errs, errors.New("raw and output directories must not be empty"))
	}
	if c.RawDir != "" && c.RawDir == c.OutputDir {
		errs = append(errs, fmt.Errorf("%s: raw and output directories must differ", c.RawDir))
	}
	if c.MaxFetches <= 0 {
		errs = append(errs, fmt.Errorf("max fetches: %d: must be positive", c.MaxFetches))
	}
	if c.CPUWorkers <= 0 {
		errs = append(errs, fmt.Errorf("CPU workers: %d: must be positive", c.CPUWorkers))
	}
	if _, ok := demparquet.Codecs[c.Compression]; !ok {
		errs = append(errs, fmt.Errorf("compression: %s: want one of %s", c.Compression, strings.Join(demparquet.CodecNames(), ", ")))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(errs *[]error, k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q: invalid integer", k, v))
		return def
	}
	return n
}

func getbool(errs *[]error, k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "y", "yes":
		return true
	case "0", "f", "false", "n", "no":
		return false
	default:
		*errs = append(*errs, fmt.Errorf("%s: %q: invalid boolean", k, v))
		return def
	}
}
