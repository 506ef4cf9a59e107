package processor

import (
	"github.com/nci/gsky-openeo/utils"
)

// RasterizeGeometry burns a footprint into a height x width boolean grid
// covering bbox in crs. A pixel is set when its centre falls inside the
// footprint. The footprint is reprojected into crs first when needed.
// Without a footprint, or without a bbox to place it on, every pixel is
// potentially valid.
func RasterizeGeometry(geom *utils.Geometry, width, height int, bbox []float64, crs string) ([]bool, error) {
	mask := make([]bool, width*height)
	if geom == nil || len(bbox) < 4 {
		for i := range mask {
			mask[i] = true
		}
		return mask, nil
	}

	g, err := geom.Reproject(crs)
	if err != nil {
		return nil, err
	}

	geot := BBox2Geot(width, height, bbox)
	for row := 0; row < height; row++ {
		y := geot[3] + (float64(row)+0.5)*geot[5]
		for col := 0; col < width; col++ {
			x := geot[0] + (float64(col)+0.5)*geot[1]
			mask[row*width+col] = g.Contains(x, y)
		}
	}
	return mask, nil
}
