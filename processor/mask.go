package processor

import (
	"fmt"
	"strconv"
)

// QualityMask flags pixels from a quality band. Value is a binary string
// whose set bits mark a pixel as masked; BitTests is a list of
// (filter, value) binary string pairs where a pixel is masked if
// qa&filter == value for any pair.
type QualityMask struct {
	Band     string   `yaml:"band" json:"band"`
	Value    string   `yaml:"value" json:"value"`
	BitTests []string `yaml:"bit_tests" json:"bit_tests"`
}

// Compute returns true for every masked pixel of img.
func (m *QualityMask) Compute(img *Image) (out []bool, err error) {
	if len(m.Value) == 0 {
		if len(m.BitTests) == 0 {
			err = fmt.Errorf("Please specify either mask.Value or mask.BitTests")
			return
		} else if len(m.BitTests)%2 != 0 {
			err = fmt.Errorf("The entries in mask.BitTests must be in pairs")
			return
		}
	}

	b, err := img.BandIndex(m.Band)
	if err != nil {
		return nil, fmt.Errorf("quality mask: %v", err)
	}
	data := img.Band(b)
	out = make([]bool, len(data))

	if len(m.Value) > 0 {
		maskValue, perr := strconv.ParseUint(m.Value, 2, 32)
		if perr != nil {
			return nil, fmt.Errorf("quality mask value %q: %v", m.Value, perr)
		}
		for i, val := range data {
			if img.IsNoData(val) {
				continue
			}
			if (uint64(val) & maskValue) > 0 {
				out[i] = true
			}
		}
		return
	}

	filters := make([]uint64, 0, len(m.BitTests)/2)
	values := make([]uint64, 0, len(m.BitTests)/2)
	for j := 0; j < len(m.BitTests); j += 2 {
		f, perr := strconv.ParseUint(m.BitTests[j], 2, 32)
		if perr != nil {
			return nil, fmt.Errorf("quality mask filter %q: %v", m.BitTests[j], perr)
		}
		v, perr := strconv.ParseUint(m.BitTests[j+1], 2, 32)
		if perr != nil {
			return nil, fmt.Errorf("quality mask value %q: %v", m.BitTests[j+1], perr)
		}
		filters = append(filters, f)
		values = append(values, v)
	}

	for i, val := range data {
		if img.IsNoData(val) {
			continue
		}
		qa := uint64(val)
		for j := range filters {
			if (qa & filters[j]) == values[j] {
				out[i] = true
				break
			}
		}
	}
	return
}
