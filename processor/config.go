package processor

import (
	"fmt"
	"strings"

	"github.com/nci/gsky-openeo/utils"
)

var tolerableByName = map[string]error{
	"not_found":           ErrAssetNotFound,
	"asset_not_found":     ErrAssetNotFound,
	"tile_outside_bounds": ErrTileOutsideBounds,
	"outside_bounds":      ErrTileOutsideBounds,
}

// ToleratedErrors maps config names onto the sentinel errors loaders return.
func ToleratedErrors(names []string) ([]error, error) {
	var out []error
	for _, name := range names {
		err, ok := tolerableByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("unknown tolerated error %q", name)
		}
		out = append(out, err)
	}
	return out, nil
}

// OptionsFromConfig builds StackOptions from their YAML form. The timestamp
// function is not configurable and defaults to AssetTimeStamp.
func OptionsFromConfig(cfg utils.StackConfig) (StackOptions, error) {
	tolerate, err := ToleratedErrors(cfg.Tolerate)
	if err != nil {
		return StackOptions{}, err
	}

	opts := StackOptions{
		TimestampFunc: AssetTimeStamp,
		Width:         cfg.Width,
		Height:        cfg.Height,
		BBox:          cfg.BBox,
		CRS:           cfg.CRS,
		BandNames:     cfg.Bands,
		Concurrency:   cfg.Concurrency,
		Tolerate:      tolerate,
		NoData:        cfg.NoData,
		Verbose:       cfg.Verbose,
	}
	if len(cfg.MosaicMethod) > 0 {
		method, err := ParseMethod(cfg.MosaicMethod)
		if err != nil {
			return StackOptions{}, err
		}
		opts.MosaicMethod = method
	}
	return opts, nil
}
