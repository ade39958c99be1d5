// Package envconfig resolves runtime configuration from DIGIT_* environment
// variables. Every option has a working default so the server runs with no
// configuration at all.
package envconfig

import (
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Var reads an environment variable, trimming whitespace and quotes.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Host returns the listen address. Configurable via DIGIT_HOST, either
// "host:port" or a bare port. Default: 127.0.0.1:8080.
func Host() string {
	defaultHost, defaultPort := "127.0.0.1", "8080"

	s := Var("DIGIT_HOST")
	if s == "" {
		return net.JoinHostPort(defaultHost, defaultPort)
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		// Bare port or bare host.
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n < 65536 {
			return net.JoinHostPort(defaultHost, s)
		}
		return net.JoinHostPort(s, defaultPort)
	}

	if host == "" {
		host = defaultHost
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}
	return net.JoinHostPort(host, port)
}

// ModelPath returns the parameter artifact path. Configurable via
// DIGIT_MODEL. A ".onnx" suffix selects the ONNX engine at load time.
func ModelPath() string {
	if s := Var("DIGIT_MODEL"); s != "" {
		return s
	}
	return "model/mnist_cnn.ckpt"
}

// DataDir returns the directory holding the MNIST idx files.
// Configurable via DIGIT_DATA.
func DataDir() string {
	if s := Var("DIGIT_DATA"); s != "" {
		return s
	}
	return "data"
}

// AllowedOrigins returns the CORS origin list. Configurable via
// DIGIT_ORIGINS (comma separated), always including localhost variants.
func AllowedOrigins() (origins []string) {
	if s := Var("DIGIT_ORIGINS"); s != "" {
		origins = strings.Split(s, ",")
	}

	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			"http://"+origin,
			"https://"+origin,
			"http://"+net.JoinHostPort(origin, "*"),
			"https://"+net.JoinHostPort(origin, "*"),
		)
	}

	return origins
}

// LogLevel returns the slog level. DIGIT_DEBUG=1 (or any truthy value)
// enables debug logging.
func LogLevel() slog.Level {
	if s := Var("DIGIT_DEBUG"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil && b {
			return slog.LevelDebug
		}
	}
	return slog.LevelInfo
}

// BatchLimit returns the maximum number of images accepted by one batch
// prediction request. Configurable via DIGIT_BATCH_LIMIT.
func BatchLimit() int {
	if s := Var("DIGIT_BATCH_LIMIT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		slog.Warn("invalid DIGIT_BATCH_LIMIT, using default", "value", s)
	}
	return 10
}

// Values reports the effective configuration for startup logging.
func Values() map[string]string {
	return map[string]string{
		"DIGIT_HOST":        Host(),
		"DIGIT_MODEL":       ModelPath(),
		"DIGIT_DATA":        DataDir(),
		"DIGIT_BATCH_LIMIT": strconv.Itoa(BatchLimit()),
		"DIGIT_DEBUG":       LogLevel().String(),
	}
}

// EnvVar describes one environment variable for CLI usage output.
type EnvVar struct {
	Name        string
	Description string
}

// Docs lists the variables relevant to the given subcommand.
func Docs(cmd string) []EnvVar {
	vars := []EnvVar{
		{"DIGIT_MODEL", "Path to the parameter artifact (.ckpt native, .onnx for ONNX Runtime)"},
		{"DIGIT_DEBUG", "Enable debug logging"},
	}
	switch cmd {
	case "serve":
		vars = append(vars,
			EnvVar{"DIGIT_HOST", "Listen address, host:port"},
			EnvVar{"DIGIT_ORIGINS", "Extra allowed CORS origins, comma separated"},
			EnvVar{"DIGIT_BATCH_LIMIT", "Maximum images per batch request"},
		)
	case "train":
		vars = append(vars, EnvVar{"DIGIT_DATA", "Directory holding the MNIST idx files"})
	}
	return vars
}
