// Package envconfig reads process-level settings from the environment.
// Flags override these where both exist.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via NEOXLM_DEBUG in the environment
	Debug bool
	// Set via NEOXLM_NUM_THREADS in the environment; compute worker count
	// inside attention kernels, 0 means GOMAXPROCS
	NumThreads int
	// Set via NEOXLM_TMPDIR in the environment
	TmpDir string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"NEOXLM_DEBUG":       {"NEOXLM_DEBUG", Debug, "Show additional debug information (e.g. NEOXLM_DEBUG=1)"},
		"NEOXLM_NUM_THREADS": {"NEOXLM_NUM_THREADS", NumThreads, "Worker count inside compute kernels (default GOMAXPROCS)"},
		"NEOXLM_TMPDIR":      {"NEOXLM_TMPDIR", TmpDir, "Location for temporary files"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Threads resolves the compute worker count.
func Threads() int {
	if NumThreads > 0 {
		return NumThreads
	}
	return runtime.GOMAXPROCS(0)
}

func LoadConfig() {
	if debug := clean("NEOXLM_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}
	if threads := clean("NEOXLM_NUM_THREADS"); threads != "" {
		n, err := strconv.Atoi(threads)
		if err != nil {
			slog.Error("invalid setting, ignoring", "NEOXLM_NUM_THREADS", threads)
		} else {
			NumThreads = n
		}
	}
	TmpDir = clean("NEOXLM_TMPDIR")
}

// clean strips quotes some shells leave around values.
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}
