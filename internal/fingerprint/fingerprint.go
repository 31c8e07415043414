// Package fingerprint derives a stable device identifier from static machine
// characteristics. The digest binds a license credential to one machine; it is
// deliberately built only from attributes that do not change between runs, so
// load, uptime and process ids never feed the hash.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Components are the raw machine characteristics that feed the digest.
// An empty field means the characteristic was unavailable and is omitted
// from the hash input rather than failing the operation.
type Components struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Processor string `json:"processor,omitempty"`
	Cores     string `json:"cores,omitempty"`
}

// Collect reads the local machine characteristics.
func Collect() Components {
	c := Components{
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	c.Processor = processorDescription()
	if n := runtime.NumCPU(); n > 0 {
		c.Cores = strconv.Itoa(n)
	}
	return c
}

// Digest hashes the present components into a fixed-length hex digest.
// The same components always produce the same digest.
func (c Components) Digest() string {
	parts := make([]string, 0, 4)
	for _, f := range []string{c.Platform, c.Arch, c.Processor, c.Cores} {
		if f != "" {
			parts = append(parts, f)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Generate returns the digest for the local machine.
func Generate() string {
	return Collect().Digest()
}

// processorDescription returns a best-effort description of the local CPU.
// Unavailable on some platforms; callers treat "" as an omitted field.
func processorDescription() string {
	switch runtime.GOOS {
	case "linux":
		return linuxProcessor()
	case "windows":
		return strings.TrimSpace(os.Getenv("PROCESSOR_IDENTIFIER"))
	default:
		return ""
	}
}

func linuxProcessor() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
