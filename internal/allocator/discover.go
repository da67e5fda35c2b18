package allocator

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Enumerator lists the device names available on this host.
type Enumerator interface {
	Devices(ctx context.Context) ([]string, error)
}

// EnumeratorFunc adapts a function to Enumerator.
type EnumeratorFunc func(ctx context.Context) ([]string, error)

// Devices calls f.
func (f EnumeratorFunc) Devices(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// DeviceName formats a CUDA device index.
func DeviceName(index int) string {
	return fmt.Sprintf("cuda:%d", index)
}

// Static reports n devices named cuda:0 .. cuda:n-1.
func Static(n int) Enumerator {
	return EnumeratorFunc(func(context.Context) ([]string, error) {
		names := make([]string, 0, n)
		for i := 0; i < n; i++ {
			names = append(names, DeviceName(i))
		}
		return names, nil
	})
}

// NvidiaSMI queries the NVIDIA driver for visible GPU indices.
type NvidiaSMI struct {
	// Path to the nvidia-smi binary. Defaults to "nvidia-smi" on PATH.
	Path string
}

// Devices runs nvidia-smi and parses one index per line.
func (n NvidiaSMI) Devices(ctx context.Context) ([]string, error) {
	bin := n.Path
	if bin == "" {
		bin = "nvidia-smi"
	}
	out, err := exec.CommandContext(ctx, bin, "--query-gpu=index", "--format=csv,noheader").Output()
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", bin, err)
	}
	return parseIndices(out)
}

func parseIndices(out []byte) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var idx int
		if _, err := fmt.Sscanf(line, "%d", &idx); err != nil {
			return nil, fmt.Errorf("parse gpu index %q: %w", line, err)
		}
		names = append(names, DeviceName(idx))
	}
	return names, sc.Err()
}

// Discover enumerates devices once and builds an allocator over them.
func Discover(ctx context.Context, e Enumerator, excluded []string) (*Allocator, error) {
	names, err := e.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	return New(names, excluded), nil
}
