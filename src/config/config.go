package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAuthKeyPath   = "/run/secrets/api_keys/deepl"
	AuthKeyPathEnvVar    = "TRANSLATE_AUTH_KEY_FILE"
	AuthKeyEnvVar        = "TRANSLATE_AUTH_KEY"
	EnvFileEnvVar        = "TRANSLATABLE_ENV"
	DefaultEndpoint      = "https://api-free.deepl.com/v2/translate"
	DefaultTargetLang    = "EN"
	DefaultListenAddr    = "127.0.0.1:49600"
	DefaultPollInterval  = 100 * time.Millisecond
	DefaultTimeoutSec    = 10
	DefaultRunDeadline   = 60
	DefaultRetries       = 2
	DefaultConcurrency   = 4
	DefaultOCRLanguage   = "eng"
	SimilarityDisabled   = -1
	historyFolderName    = "ScreenshotHistory"
	notesFolderName      = "Data"
	exportFolderName     = "Exports"
	applicationDirectory = "Translatable"
)

type LoadOptions struct {
	AuthKeyPathOverride string
	TargetLangOverride  string
	HistoryDirOverride  string
}

type Config struct {
	AuthKey            string
	AuthKeyPath        string
	Endpoint           string
	TargetLang         string
	TranslateTimeout   time.Duration
	RunDeadline        time.Duration
	TranslateRetries   int
	TranslateParallel  int
	PollInterval       time.Duration
	HistoryDir         string
	NotesDir           string
	ExportDir          string
	OCRLanguages       []string
	OverlayFont        string
	SimilarityDistance int
	TranslationCache   string
	ListenAddr         string
	EnableFileLogging  bool
}

func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{})
}

func LoadWithOptions(opts LoadOptions) (*Config, error) {
	// Sources in priority order:
	// 1) .env in the executable directory
	// 2) otherwise the file named by TRANSLATABLE_ENV
	envPath := resolveEnvPath()
	dotenvValues := readDotenvValues(envPath)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	}

	authKeyPath := resolveAuthKeyPath(opts, dotenvValues)

	targetLang := strings.ToUpper(getEnvWithDefault("TARGET_LANG", DefaultTargetLang))
	if override := strings.TrimSpace(opts.TargetLangOverride); override != "" {
		targetLang = strings.ToUpper(override)
	}

	historyDir := getEnvWithDefault("HISTORY_DIR", defaultAppDir(historyFolderName))
	if override := strings.TrimSpace(opts.HistoryDirOverride); override != "" {
		historyDir = override
	}

	cfg := &Config{
		AuthKey:            resolveAuthKey(authKeyPath),
		AuthKeyPath:        authKeyPath,
		Endpoint:           getEnvWithDefault("TRANSLATE_ENDPOINT", DefaultEndpoint),
		TargetLang:         targetLang,
		TranslateTimeout:   time.Duration(getEnvPositiveInt("TRANSLATE_TIMEOUT_SEC", DefaultTimeoutSec)) * time.Second,
		RunDeadline:        time.Duration(getEnvPositiveInt("RUN_DEADLINE_SEC", DefaultRunDeadline)) * time.Second,
		TranslateRetries:   getEnvNonNegativeInt("TRANSLATE_RETRIES", DefaultRetries),
		TranslateParallel:  getEnvPositiveInt("TRANSLATE_CONCURRENCY", DefaultConcurrency),
		PollInterval:       time.Duration(getEnvPositiveInt("POLL_INTERVAL_MS", int(DefaultPollInterval/time.Millisecond))) * time.Millisecond,
		HistoryDir:         historyDir,
		NotesDir:           getEnvWithDefault("NOTES_DIR", defaultAppDir(notesFolderName)),
		ExportDir:          getEnvWithDefault("EXPORT_DIR", defaultAppDir(exportFolderName)),
		OCRLanguages:       getEnvList("OCR_LANGUAGES", []string{DefaultOCRLanguage}),
		OverlayFont:        strings.TrimSpace(os.Getenv("OVERLAY_FONT")),
		SimilarityDistance: getEnvInt("SIMILARITY_DISTANCE", SimilarityDisabled),
		TranslationCache:   strings.TrimSpace(os.Getenv("TRANSLATION_CACHE")),
		ListenAddr:         getEnvWithDefault("LISTEN_ADDR", DefaultListenAddr),
		EnableFileLogging:  strings.ToLower(os.Getenv("ENABLE_FILE_LOGGING")) == "true",
	}

	return cfg, nil
}

func resolveEnvPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}

	exeEnv := filepath.Join(filepath.Dir(execPath), ".env")
	if _, err := os.Stat(exeEnv); err == nil {
		return exeEnv
	}

	if alt := os.Getenv(EnvFileEnvVar); alt != "" {
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}

	return ""
}

func readDotenvValues(envPath string) map[string]string {
	if envPath == "" {
		return map[string]string{}
	}

	values, err := godotenv.Read(envPath)
	if err != nil {
		return map[string]string{}
	}

	return values
}

func resolveAuthKeyPath(opts LoadOptions, dotenvValues map[string]string) string {
	keyPath := DefaultAuthKeyPath

	if envPath := strings.TrimSpace(os.Getenv(AuthKeyPathEnvVar)); envPath != "" {
		keyPath = envPath
	}

	if dotenvPath := strings.TrimSpace(dotenvValues[AuthKeyPathEnvVar]); dotenvPath != "" {
		keyPath = dotenvPath
	}

	if overridePath := strings.TrimSpace(opts.AuthKeyPathOverride); overridePath != "" {
		keyPath = overridePath
	}

	return keyPath
}

func resolveAuthKey(keyPath string) string {
	if data, err := os.ReadFile(keyPath); err == nil {
		if fileKey := strings.TrimSpace(string(data)); fileKey != "" {
			return fileKey
		}
	}

	return strings.TrimSpace(os.Getenv(AuthKeyEnvVar))
}

// defaultAppDir mirrors the macOS container layout under the user config dir.
func defaultAppDir(name string) string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, applicationDirectory, name)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvPositiveInt(key string, def int) int {
	if n := getEnvInt(key, def); n > 0 {
		return n
	}
	return def
}

func getEnvNonNegativeInt(key string, def int) int {
	if n := getEnvInt(key, def); n >= 0 {
		return n
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		if t := strings.TrimSpace(p); t != "" {
			result = append(result, t)
		}
	}
	if len(result) == 0 {
		return def
	}
	return result
}
