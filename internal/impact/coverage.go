package impact

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/phobologic/kernelgraph/internal/model"
)

// CoverageSource reports how many tests exercise a function. A nil count
// means no data is available, which is different from zero tests.
type CoverageSource interface {
	TestCount(ctx context.Context, fn model.Function) (*int, error)
}

// FileCoverage is a CoverageSource backed by a YAML map of test counts.
// Keys are either a bare function name or "file::name"; the qualified form
// wins when both are present.
//
//	ext4_map_blocks: 12
//	fs/ext4/super.c::ext4_sync_fs: 0
type FileCoverage struct {
	counts map[string]int
}

// LoadCoverage reads a coverage map from path.
func LoadCoverage(path string) (*FileCoverage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading coverage: %w", err)
	}
	return ParseCoverage(data)
}

// ParseCoverage decodes a YAML coverage map.
func ParseCoverage(data []byte) (*FileCoverage, error) {
	counts := map[string]int{}
	if err := yaml.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("parsing coverage: %w", err)
	}
	for k, v := range counts {
		if v < 0 {
			return nil, fmt.Errorf("parsing coverage: %s: negative count %d", k, v)
		}
	}
	return &FileCoverage{counts: counts}, nil
}

// TestCount implements CoverageSource.
func (c *FileCoverage) TestCount(_ context.Context, fn model.Function) (*int, error) {
	if n, ok := c.counts[fn.Key().String()]; ok {
		return &n, nil
	}
	if n, ok := c.counts[fn.Name]; ok {
		return &n, nil
	}
	return nil, nil
}
