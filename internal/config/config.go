package config

// Default values for the service, applied before any YAML file or
// environment override is consulted. Mirrors the defaults table in the
// service's external interface contract.
const (
	DefaultListenAddr           = "0.0.0.0:8380"
	DefaultRegistryPath         = "device_mapping.json"
	DefaultLogLevel             = "info"
	DefaultMaxConcurrentDevices = 8

	DefaultSampleRate      = 384000
	DefaultFFTSize         = 8192
	DefaultBlockSize       = 3840
	DefaultWindowKind      = "hann"
	DefaultOverlapFraction = 0.75

	DefaultTargetFps            = 30
	DefaultCompressionLevel     = 6
	DefaultMagnitudeThresholdDb = -80.0
	DefaultThresholdDb          = -100.0
	DefaultSimilarityThreshold  = 0.95
	DefaultEnableSmartSkip      = true
	DefaultEnableAdaptiveFps    = true
	DefaultMinAdaptiveFps       = 5
	DefaultMaxAdaptiveFps       = 60
)

// Config is the root application configuration, loaded from YAML and
// threaded explicitly into the DeviceManager at construction time rather
// than read from package-level globals.
type Config struct {
	ListenAddr           string `yaml:"listen_addr"`
	RegistryPath         string `yaml:"registry_path"`
	LogLevel             string `yaml:"log_level"`
	MaxConcurrentDevices int    `yaml:"max_concurrent_devices"`

	Audio  AudioDefaults  `yaml:"audio"`
	Stream StreamDefaults `yaml:"stream"`
}

// AudioDefaults seeds the AudioConfig a DevicePipeline is created with when
// a device is started for the first time. The manager puts the device's own
// name in front of DeviceNames and uses every other field as it is; there
// are no per-device overrides, and the descriptor's channel count and
// default sample rate are not consulted.
type AudioDefaults struct {
	DeviceNames     []string `yaml:"device_names"`
	SampleRate      int      `yaml:"sample_rate"`
	FFTSize         int      `yaml:"fft_size"`
	BlockSize       int      `yaml:"block_size"`
	WindowKind      string   `yaml:"window_kind"`
	OverlapFraction float64  `yaml:"overlap_fraction"`
}

// StreamDefaults seeds the StreamConfig of newly created pipelines.
type StreamDefaults struct {
	TargetFps            int     `yaml:"target_fps"`
	CompressionLevel     int     `yaml:"compression_level"`
	MagnitudeThresholdDb float64 `yaml:"magnitude_threshold_db"`
	ThresholdDb          float64 `yaml:"threshold_db"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	EnableSmartSkip      bool    `yaml:"enable_smart_skip"`
	EnableAdaptiveFps    bool    `yaml:"enable_adaptive_fps"`
	MinAdaptiveFps       int     `yaml:"min_adaptive_fps"`
	MaxAdaptiveFps       int     `yaml:"max_adaptive_fps"`
}

// defaultConfig returns the configuration used when no file is found and
// no environment overrides apply.
func defaultConfig() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		RegistryPath:         DefaultRegistryPath,
		LogLevel:             DefaultLogLevel,
		MaxConcurrentDevices: DefaultMaxConcurrentDevices,
		Audio: AudioDefaults{
			DeviceNames:     []string{"UltraMic384K", "UltraMic", "384K"},
			SampleRate:      DefaultSampleRate,
			FFTSize:         DefaultFFTSize,
			BlockSize:       DefaultBlockSize,
			WindowKind:      DefaultWindowKind,
			OverlapFraction: DefaultOverlapFraction,
		},
		Stream: StreamDefaults{
			TargetFps:            DefaultTargetFps,
			CompressionLevel:     DefaultCompressionLevel,
			MagnitudeThresholdDb: DefaultMagnitudeThresholdDb,
			ThresholdDb:          DefaultThresholdDb,
			SimilarityThreshold:  DefaultSimilarityThreshold,
			EnableSmartSkip:      DefaultEnableSmartSkip,
			EnableAdaptiveFps:    DefaultEnableAdaptiveFps,
			MinAdaptiveFps:       DefaultMinAdaptiveFps,
			MaxAdaptiveFps:       DefaultMaxAdaptiveFps,
		},
	}
}
