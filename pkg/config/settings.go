package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/metasim/metasim/pkg/engine"
)

// Knob keys. They share the flat map with axis and output keys.
const (
	KeyParallelType     = "config_parallel_type"
	KeyParallelSlots    = "config_parallel_nb_slots"
	KeyParallelMaxExpes = "config_parallel_max_expes"
	KeyParallelRmFiles  = "config_parallel_rm_files"
	KeyParallelLauncher = "config_parallel_launcher"
	KeyParallelWorker   = "config_parallel_worker"
	KeyParallelHost     = "config_parallel_host"
	KeyParallelFormat   = "config_parallel_format"
	KeyParallelTimeout  = "config_parallel_timeout"
	KeyUnknownKeys      = "config_unknown_keys"
	KeyDebug            = "expe_debug"
	KeySeed             = "expe_seed"
	KeyName             = "expe_name"
	KeyPackage          = "package"
	KeyVpz              = "vpz"
	KeyPackagesDir      = "packages_dir"
	KeyWorkingDir       = "working_dir"
)

// UnknownKeyPolicy decides what happens to keys that match no rule.
type UnknownKeyPolicy string

const (
	UnknownKeysIgnore UnknownKeyPolicy = "ignore"
	UnknownKeysWarn   UnknownKeyPolicy = "warn"
	UnknownKeysError  UnknownKeyPolicy = "error"
)

// Default knob values.
const (
	DefaultLauncher = "mpirun"
	DefaultWorker   = "meta-worker"
)

// Settings holds the global knobs of one experiment.
type Settings struct {
	ParallelType engine.ParallelType `json:"parallel_type" validate:"required,oneof=single threads distributed"`
	Slots        int                 `json:"slots" validate:"min=1"`
	MaxExpes     int                 `json:"max_expes" validate:"omitempty,gtefield=Slots"`
	RemoveFiles  bool                `json:"rm_files"`
	Launcher     string              `json:"launcher,omitempty"`
	Worker       string              `json:"worker,omitempty" validate:"required_if=ParallelType distributed"`
	Host         string              `json:"host,omitempty"`
	Format       engine.ResultFormat `json:"format" validate:"oneof=csv arrow"`
	Timeout      time.Duration       `json:"timeout,omitempty"`
	UnknownKeys  UnknownKeyPolicy    `json:"unknown_keys" validate:"oneof=ignore warn error"`
	Debug        bool                `json:"debug"`
	Seed         *int64              `json:"seed,omitempty"`
	Name         string              `json:"name" validate:"required,excludesall=/"`
	Package      string              `json:"package" validate:"required"`
	Vpz          string              `json:"vpz" validate:"required"`
	PackagesDir  string              `json:"packages_dir,omitempty"`
	WorkingDir   string              `json:"working_dir,omitempty" validate:"required_if=ParallelType distributed"`
}

// DefaultSettings returns the knob defaults.
func DefaultSettings() Settings {
	return Settings{
		ParallelType: engine.ParallelSingle,
		Slots:        1,
		RemoveFiles:  true,
		Launcher:     DefaultLauncher,
		Worker:       DefaultWorker,
		Format:       engine.ResultFormatCSV,
		UnknownKeys:  UnknownKeysWarn,
	}
}

// Model returns the model reference named by the settings.
func (s *Settings) Model() engine.ModelRef {
	return engine.ModelRef{Root: s.PackagesDir, Package: s.Package, Vpz: s.Vpz}
}

var settingsValidator = validator.New()

// IsKnob reports whether key is a global knob.
func IsKnob(key string) bool {
	switch key {
	case KeyParallelType, KeyParallelSlots, KeyParallelMaxExpes, KeyParallelRmFiles,
		KeyParallelLauncher, KeyParallelWorker, KeyParallelHost, KeyParallelFormat,
		KeyParallelTimeout, KeyUnknownKeys, KeyDebug, KeySeed, KeyName, KeyPackage,
		KeyVpz, KeyPackagesDir, KeyWorkingDir:
		return true
	}
	return false
}

// ParseSettings reads the knobs out of raw and validates them.
// Missing or out-of-range knobs are configuration errors.
func ParseSettings(raw map[string]interface{}) (Settings, error) {
	s := DefaultSettings()

	for key, val := range raw {
		if !IsKnob(key) {
			continue
		}
		var err error
		switch key {
		case KeyParallelType:
			var str string
			str, err = ToString(val)
			s.ParallelType = engine.ParallelType(strings.ToLower(str))
		case KeyParallelSlots:
			s.Slots, err = ToInt(val)
		case KeyParallelMaxExpes:
			s.MaxExpes, err = ToInt(val)
		case KeyParallelRmFiles:
			s.RemoveFiles, err = ToBool(val)
		case KeyParallelLauncher:
			s.Launcher, err = ToString(val)
		case KeyParallelWorker:
			s.Worker, err = ToString(val)
		case KeyParallelHost:
			s.Host, err = ToString(val)
		case KeyParallelFormat:
			var str string
			str, err = ToString(val)
			s.Format = engine.ResultFormat(strings.ToLower(str))
		case KeyParallelTimeout:
			s.Timeout, err = ToDuration(val)
		case KeyUnknownKeys:
			var str string
			str, err = ToString(val)
			s.UnknownKeys = UnknownKeyPolicy(strings.ToLower(str))
		case KeyDebug:
			s.Debug, err = ToBool(val)
		case KeySeed:
			var seed int
			seed, err = ToInt(val)
			seed64 := int64(seed)
			s.Seed = &seed64
		case KeyName:
			s.Name, err = ToString(val)
		case KeyPackage:
			s.Package, err = ToString(val)
		case KeyVpz:
			s.Vpz, err = ToString(val)
		case KeyPackagesDir:
			s.PackagesDir, err = ToString(val)
		case KeyWorkingDir:
			s.WorkingDir, err = ToString(val)
		}
		if err != nil {
			return s, engine.NewConfigurationError(fmt.Sprintf("invalid value for %s", key), err).
				WithCode(engine.ErrCodeBadKnob).
				WithDetail("key", key)
		}
	}

	if s.ParallelType == engine.ParallelSingle {
		s.Slots = 1
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(s.Vpz), filepath.Ext(s.Vpz))
	}

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks the settings with struct tags and cross-field rules.
func (s *Settings) Validate() error {
	if err := settingsValidator.Struct(s); err != nil {
		return engine.NewConfigurationError("invalid experiment settings", err).
			WithCode(engine.ErrCodeBadKnob)
	}
	if s.Timeout < 0 {
		return engine.NewConfigurationError("timeout must not be negative", nil).
			WithCode(engine.ErrCodeBadKnob).
			WithDetail("key", KeyParallelTimeout)
	}
	return nil
}
