package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Server     ServerConfig     `mapstructure:"server"`
	Stage1     Stage1Config     `mapstructure:"stage1"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	OutputDir  string           `mapstructure:"output_dir"`
	LogLevel   string           `mapstructure:"log_level"`
	LogFormat  string           `mapstructure:"log_format"`
}

type PathsConfig struct {
	// ModelManifest is the manifest.json describing the stage-1 LM and codec
	// encoder ONNX graphs.
	ModelManifest  string `mapstructure:"model_manifest"`
	TokenizerModel string `mapstructure:"tokenizer_model"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	InterOpThreads int    `mapstructure:"inter_op_threads"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	MaxLyricsBytes  int    `mapstructure:"max_lyrics_bytes"`
}

type Stage1Config struct {
	CacheSize         int     `mapstructure:"cache_size"`
	CacheMode         string  `mapstructure:"cache_mode"`
	MaxNewTokens      int     `mapstructure:"max_new_tokens"`
	RunNSegments      int     `mapstructure:"run_n_segments"`
	Seed              uint64  `mapstructure:"seed"`
	TopP              float64 `mapstructure:"top_p"`
	Temperature       float64 `mapstructure:"temperature"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
	Guidance          bool    `mapstructure:"guidance"`
	GuidanceScaleSeg0 float64 `mapstructure:"guidance_scale_seg0"`
	GuidanceScale     float64 `mapstructure:"guidance_scale"`
	SOA               int64   `mapstructure:"soa"`
	EOA               int64   `mapstructure:"eoa"`
	CodecIDStart      int64   `mapstructure:"codec_id_start"`
	CodecIDEnd        int64   `mapstructure:"codec_id_end"`
}

type CheckpointConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelManifest:  "models/onnx/manifest.json",
			TokenizerModel: "models/tokenizer.model",
		},
		Runtime: RuntimeConfig{
			Threads:        4,
			InterOpThreads: 1,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 30,
			RequestTimeout:  3600,
			MaxLyricsBytes:  16384,
		},
		Stage1: Stage1Config{
			CacheSize:         16384,
			CacheMode:         CacheModeFP16,
			MaxNewTokens:      3000,
			RunNSegments:      2,
			Seed:              42,
			TopP:              0.93,
			Temperature:       1.0,
			RepetitionPenalty: 1.1,
			Guidance:          true,
			GuidanceScaleSeg0: 1.5,
			GuidanceScale:     1.2,
			SOA:               32001,
			EOA:               32002,
			CodecIDStart:      45334,
			CodecIDEnd:        56722,
		},
		Checkpoint: CheckpointConfig{
			Backend: CheckpointLocal,
			Dir:     "output/segments",
			Region:  "us-east-1",
			Prefix:  "segments",
		},
		OutputDir: "output",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-manifest", defaults.Paths.ModelManifest, "Path to ONNX manifest.json for the stage-1 graphs")
	fs.String("paths-tokenizer-model", defaults.Paths.TokenizerModel, "Path to SentencePiece tokenizer model")
	fs.Int("runtime-threads", defaults.Runtime.Threads, "ONNX Runtime intra-op thread count")
	fs.Int("runtime-inter-op-threads", defaults.Runtime.InterOpThreads, "ONNX Runtime inter-op thread count")
	fs.String("runtime-ort-library-path", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library (alias for --runtime-ort-library-path)")
	fs.String("runtime-ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request generation timeout in seconds")
	fs.Int("max-lyrics-bytes", defaults.Server.MaxLyricsBytes, "Maximum lyrics size accepted by the HTTP server")
	fs.Int("stage1-cache-size", defaults.Stage1.CacheSize, "KV cache capacity in tokens")
	fs.String("stage1-cache-mode", defaults.Stage1.CacheMode, "KV cache mode (fp16|q8|q6|q4)")
	fs.Int("max-new-tokens", defaults.Stage1.MaxNewTokens, "Maximum generated tokens per segment")
	fs.Int("run-n-segments", defaults.Stage1.RunNSegments, "Number of lyrics segments to generate")
	fs.Uint64("seed", defaults.Stage1.Seed, "Sampling seed")
	fs.Float64("top-p", defaults.Stage1.TopP, "Nucleus sampling threshold")
	fs.Float64("temperature", defaults.Stage1.Temperature, "Sampling temperature")
	fs.Float64("repetition-penalty", defaults.Stage1.RepetitionPenalty, "Repetition penalty (>= 1)")
	fs.Bool("guidance", defaults.Stage1.Guidance, "Enable classifier-free guidance")
	fs.Float64("guidance-scale-seg0", defaults.Stage1.GuidanceScaleSeg0, "Guidance scale for the first segment")
	fs.Float64("guidance-scale", defaults.Stage1.GuidanceScale, "Guidance scale for later segments")
	fs.String("checkpoint-backend", defaults.Checkpoint.Backend, "Checkpoint store backend (local|s3)")
	fs.String("checkpoint-dir", defaults.Checkpoint.Dir, "Directory for local checkpoints")
	fs.String("checkpoint-bucket", defaults.Checkpoint.Bucket, "S3 bucket for checkpoints")
	fs.String("checkpoint-region", defaults.Checkpoint.Region, "S3 region for checkpoints")
	fs.String("checkpoint-prefix", defaults.Checkpoint.Prefix, "S3 key prefix for checkpoints")
	fs.String("checkpoint-endpoint", defaults.Checkpoint.Endpoint, "Custom S3 endpoint (MinIO and friends)")
	fs.String("output-dir", defaults.OutputDir, "Directory for exported stage-1 tracks")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("log-format", defaults.LogFormat, "Log output format (json|text)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, err
		}
	}

	v.SetEnvPrefix("SONGGEN")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("runtime.ort_library_path", "SONGGEN_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}
	if err := v.BindEnv("checkpoint.access_key", "SONGGEN_CHECKPOINT_ACCESS_KEY", "AWS_ACCESS_KEY_ID"); err != nil {
		return Config{}, fmt.Errorf("bind checkpoint env vars: %w", err)
	}
	if err := v.BindEnv("checkpoint.secret_key", "SONGGEN_CHECKPOINT_SECRET_KEY", "AWS_SECRET_ACCESS_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind checkpoint env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("songgen")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	mode, err := NormalizeCacheMode(cfg.Stage1.CacheMode)
	if err != nil {
		return Config{}, err
	}
	cfg.Stage1.CacheMode = mode

	backend, err := NormalizeCheckpointBackend(cfg.Checkpoint.Backend)
	if err != nil {
		return Config{}, err
	}
	cfg.Checkpoint.Backend = backend

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_manifest", c.Paths.ModelManifest)
	v.SetDefault("paths.tokenizer_model", c.Paths.TokenizerModel)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.inter_op_threads", c.Runtime.InterOpThreads)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.max_lyrics_bytes", c.Server.MaxLyricsBytes)
	v.SetDefault("stage1.cache_size", c.Stage1.CacheSize)
	v.SetDefault("stage1.cache_mode", c.Stage1.CacheMode)
	v.SetDefault("stage1.max_new_tokens", c.Stage1.MaxNewTokens)
	v.SetDefault("stage1.run_n_segments", c.Stage1.RunNSegments)
	v.SetDefault("stage1.seed", c.Stage1.Seed)
	v.SetDefault("stage1.top_p", c.Stage1.TopP)
	v.SetDefault("stage1.temperature", c.Stage1.Temperature)
	v.SetDefault("stage1.repetition_penalty", c.Stage1.RepetitionPenalty)
	v.SetDefault("stage1.guidance", c.Stage1.Guidance)
	v.SetDefault("stage1.guidance_scale_seg0", c.Stage1.GuidanceScaleSeg0)
	v.SetDefault("stage1.guidance_scale", c.Stage1.GuidanceScale)
	v.SetDefault("stage1.soa", c.Stage1.SOA)
	v.SetDefault("stage1.eoa", c.Stage1.EOA)
	v.SetDefault("stage1.codec_id_start", c.Stage1.CodecIDStart)
	v.SetDefault("stage1.codec_id_end", c.Stage1.CodecIDEnd)
	v.SetDefault("checkpoint.backend", c.Checkpoint.Backend)
	v.SetDefault("checkpoint.dir", c.Checkpoint.Dir)
	v.SetDefault("checkpoint.bucket", c.Checkpoint.Bucket)
	v.SetDefault("checkpoint.region", c.Checkpoint.Region)
	v.SetDefault("checkpoint.prefix", c.Checkpoint.Prefix)
	v.SetDefault("checkpoint.endpoint", c.Checkpoint.Endpoint)
	v.SetDefault("checkpoint.access_key", c.Checkpoint.AccessKey)
	v.SetDefault("checkpoint.secret_key", c.Checkpoint.SecretKey)
	v.SetDefault("output_dir", c.OutputDir)
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("log_format", c.LogFormat)
}

// flagKeys maps each nested config key to the CLI flags that set it. When
// several flags feed one key, the first one the user changed wins.
var flagKeys = []struct {
	key   string
	flags []string
}{
	{"paths.model_manifest", []string{"paths-model-manifest"}},
	{"paths.tokenizer_model", []string{"paths-tokenizer-model"}},
	{"runtime.threads", []string{"runtime-threads"}},
	{"runtime.inter_op_threads", []string{"runtime-inter-op-threads"}},
	{"runtime.ort_library_path", []string{"runtime-ort-library-path", "ort-lib"}},
	{"runtime.ort_version", []string{"runtime-ort-version"}},
	{"server.listen_addr", []string{"server-listen-addr"}},
	{"server.shutdown_timeout", []string{"shutdown-timeout"}},
	{"server.request_timeout", []string{"request-timeout"}},
	{"server.max_lyrics_bytes", []string{"max-lyrics-bytes"}},
	{"stage1.cache_size", []string{"stage1-cache-size"}},
	{"stage1.cache_mode", []string{"stage1-cache-mode"}},
	{"stage1.max_new_tokens", []string{"max-new-tokens"}},
	{"stage1.run_n_segments", []string{"run-n-segments"}},
	{"stage1.seed", []string{"seed"}},
	{"stage1.top_p", []string{"top-p"}},
	{"stage1.temperature", []string{"temperature"}},
	{"stage1.repetition_penalty", []string{"repetition-penalty"}},
	{"stage1.guidance", []string{"guidance"}},
	{"stage1.guidance_scale_seg0", []string{"guidance-scale-seg0"}},
	{"stage1.guidance_scale", []string{"guidance-scale"}},
	{"checkpoint.backend", []string{"checkpoint-backend"}},
	{"checkpoint.dir", []string{"checkpoint-dir"}},
	{"checkpoint.bucket", []string{"checkpoint-bucket"}},
	{"checkpoint.region", []string{"checkpoint-region"}},
	{"checkpoint.prefix", []string{"checkpoint-prefix"}},
	{"checkpoint.endpoint", []string{"checkpoint-endpoint"}},
	{"output_dir", []string{"output-dir"}},
	{"log_level", []string{"log-level"}},
	{"log_format", []string{"log-format"}},
}

// bindFlags binds each flag to its nested key so that file and env values
// still apply when the flag is left unset.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		var chosen *pflag.Flag
		for _, name := range fk.flags {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if chosen == nil || (f.Changed && !chosen.Changed) {
				chosen = f
			}
		}
		if chosen == nil {
			continue
		}
		if err := v.BindPFlag(fk.key, chosen); err != nil {
			return fmt.Errorf("bind --%s: %w", chosen.Name, err)
		}
	}
	return nil
}
