// Package config implements the read-only key/value configuration surface
// described in spec.md §6. It is populated from environment variables and
// an optional INI-style config file using gopkg.in/ini.v1 — the same
// library rclone's own fs/config package uses to parse rclone.conf — with
// struct tags resolved by reflection the way rclone's fs/config/
// configstruct walks a struct to build its option list.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// CopyType selects the redundancy variant, matching spec.md §6's
// enumerated "copy type" configuration value.
type CopyType string

// Copy type values. FILE carries no cache redundancy, same as LOCAL, and
// exists only so operators migrating config files that name it keep a
// working configuration.
const (
	CopyLocal   CopyType = "LOCAL"
	CopyPartner CopyType = "PARTNER"
	CopyXOR     CopyType = "XOR"
	CopyFile    CopyType = "FILE"
)

// Config is the full configuration surface enumerated in spec.md §6.
// Every field is read-only once loaded.
type Config struct {
	Enable      bool `config:"SCR_ENABLE" default:"true"`
	Verbosity   int  `config:"SCR_DEBUG" default:"0"`
	LogEnable   bool `config:"SCR_LOG_ENABLE" default:"true"`
	Username    string `config:"SCR_USER" default:""`
	JobID       string `config:"SCR_JOBID" default:""`
	JobName     string `config:"SCR_JOB_NAME" default:""`

	CacheBase  string `config:"SCR_CACHE_BASE" default:"/tmp/scr.cache"`
	CacheSize  int    `config:"SCR_CACHE_SIZE" default:"2"`

	CopyType    CopyType `config:"SCR_COPY_TYPE" default:"XOR"`
	HopDistance int      `config:"SCR_HOP_DISTANCE" default:"1"`
	SetSize     int      `config:"SCR_SET_SIZE" default:"8"`

	HaltSeconds int `config:"SCR_HALT_SECONDS" default:"0"`
	MPIBufSize  int `config:"SCR_MPI_BUF_SIZE" default:"1048576"`

	DistributeOnInit bool `config:"SCR_DISTRIBUTE" default:"true"`
	FetchOnInit      bool `config:"SCR_FETCH" default:"true"`
	FetchWidth       int  `config:"SCR_FETCH_WIDTH" default:"256"`

	FlushInterval  int  `config:"SCR_FLUSH" default:"0"`
	FlushWidth     int  `config:"SCR_FLUSH_WIDTH" default:"256"`
	FlushOnRestart bool `config:"SCR_FLUSH_ON_RESTART" default:"false"`
	GlobalRestart  bool `config:"SCR_GLOBAL_RESTART" default:"false"`

	AsyncFlush        bool    `config:"SCR_FLUSH_ASYNC" default:"false"`
	AsyncFlushBW       float64 `config:"SCR_FLUSH_ASYNC_BW" default:"0"`
	AsyncFlushPercent float64 `config:"SCR_FLUSH_ASYNC_PERCENT" default:"0"`

	FileBufSize int  `config:"SCR_FILE_BUF_SIZE" default:"1048576"`
	CRCOnCopy   bool `config:"SCR_CRC_ON_COPY" default:"false"`
	CRCOnFlush  bool `config:"SCR_CRC_ON_FLUSH" default:"false"`
	CRCOnDelete bool `config:"SCR_CRC_ON_DELETE" default:"false"`

	CheckpointInterval int     `config:"SCR_CHECKPOINT_INTERVAL" default:"0"`
	CheckpointSeconds  int     `config:"SCR_CHECKPOINT_SECONDS" default:"0"`
	CheckpointOverhead float64 `config:"SCR_CHECKPOINT_OVERHEAD" default:"0"`

	PFSPrefix string `config:"SCR_PREFIX" default:""`
}

// Load builds a Config from defaults, then an optional config file, then
// environment variables, in that precedence order (each stage overrides
// the previous one), mirroring how rclone treats its config file and
// environment variables as equivalent, higher-precedence routes onto the
// same option surface (spec.md §6: "Environment variable and config-file
// routes are equivalent").
func Load(configFile string) (*Config, error) {
	cfg := &Config{}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if configFile != "" {
		if err := applyIniFile(cfg, configFile); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the minimal structural invariants on a loaded Config.
func (c *Config) Validate() error {
	if c.SetSize < 2 && c.CopyType == CopyXOR {
		return errors.Errorf("config: SCR_SET_SIZE must be >= 2 for XOR, got %d", c.SetSize)
	}
	if c.HopDistance < 1 {
		return errors.Errorf("config: SCR_HOP_DISTANCE must be >= 1, got %d", c.HopDistance)
	}
	if c.CacheSize < 1 {
		return errors.Errorf("config: SCR_CACHE_SIZE must be >= 1, got %d", c.CacheSize)
	}
	return nil
}

func applyDefaults(cfg *Config) error {
	return walk(cfg, func(field reflect.StructField, v reflect.Value) error {
		def, ok := field.Tag.Lookup("default")
		if !ok {
			return nil
		}
		return setField(v, def)
	})
}

func applyEnv(cfg *Config) error {
	return walk(cfg, func(field reflect.StructField, v reflect.Value) error {
		key, ok := field.Tag.Lookup("config")
		if !ok {
			return nil
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		return setField(v, val)
	})
}

func applyIniFile(cfg *Config, path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return errors.Wrapf(err, "config: load %s", path)
	}
	section := f.Section("")
	return walk(cfg, func(field reflect.StructField, v reflect.Value) error {
		key, ok := field.Tag.Lookup("config")
		if !ok {
			return nil
		}
		if !section.HasKey(key) {
			return nil
		}
		return setField(v, section.Key(key).String())
	})
}

func walk(cfg *Config, fn func(reflect.StructField, reflect.Value) error) error {
	rv := reflect.ValueOf(cfg).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		if err := fn(rt.Field(i), rv.Field(i)); err != nil {
			return errors.Wrapf(err, "config: field %s", rt.Field(i).Name)
		}
	}
	return nil
}

func setField(v reflect.Value, raw string) error {
	switch v.Kind() {
	case reflect.String:
		if v.Type().Name() == "CopyType" {
			v.SetString(strings.ToUpper(raw))
			return nil
		}
		v.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		v.SetFloat(n)
	default:
		return fmt.Errorf("unsupported config field kind %s", v.Kind())
	}
	return nil
}
