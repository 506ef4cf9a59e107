package tileservice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/context"
	"gopkg.in/yaml.v2"

	"github.com/nci/gsky-openeo/processor"
	"github.com/nci/gsky-openeo/utils"
)

// ManifestFile is the sidecar name describing one asset directory.
const ManifestFile = "tile.yaml"

// TileReader produces the image a TileRequest describes.
type TileReader interface {
	ReadTile(ctx context.Context, req *TileRequest) (*processor.Image, error)
}

type ManifestBand struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Manifest describes an asset stored as one raw little-endian float32 file
// per band, each Width x Height in row-major order. The asset id is the
// directory path relative to the reader root.
type Manifest struct {
	ID         string                 `yaml:"-"`
	DateTime   string                 `yaml:"datetime"`
	Width      int                    `yaml:"width"`
	Height     int                    `yaml:"height"`
	BBox       []float64              `yaml:"bbox"`
	CRS        string                 `yaml:"crs"`
	NoData     *float64               `yaml:"nodata"`
	Bands      []ManifestBand         `yaml:"bands"`
	Geometry   string                 `yaml:"geometry"`
	Properties map[string]interface{} `yaml:"properties"`

	dir string
}

func (m *Manifest) noData() float64 {
	if m.NoData != nil {
		return *m.NoData
	}
	return processor.DefaultNoData
}

func (m *Manifest) bandNames() []string {
	names := make([]string, len(m.Bands))
	for i, b := range m.Bands {
		names[i] = b.Name
	}
	return names
}

// Asset converts the manifest into the metadata a RasterStack task carries.
func (m *Manifest) Asset() (*processor.Asset, error) {
	asset := &processor.Asset{
		ID:         m.ID,
		Properties: m.Properties,
		Width:      m.Width,
		Height:     m.Height,
		BBox:       m.BBox,
		CRS:        m.CRS,
		BandNames:  m.bandNames(),
	}
	if len(m.DateTime) > 0 {
		t, err := time.Parse(time.RFC3339Nano, m.DateTime)
		if err != nil {
			return nil, fmt.Errorf("asset %s: invalid datetime: %v", m.ID, err)
		}
		asset.TimeStamp = t
	}
	// GeoJSON footprints are always EPSG:4326
	if len(m.Geometry) > 0 {
		geom, err := utils.ParseGeoJSON([]byte(m.Geometry))
		if err != nil {
			return nil, fmt.Errorf("asset %s: %v", m.ID, err)
		}
		asset.Geometry = geom
	}
	return asset, nil
}

func readManifest(filename string) (*Manifest, error) {
	rawData, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(rawData, m); err != nil {
		return nil, fmt.Errorf("%s: %v", filename, err)
	}
	if m.Width <= 0 || m.Height <= 0 || len(m.BBox) != 4 || len(m.Bands) == 0 {
		return nil, fmt.Errorf("%s: manifest needs width, height, bbox and bands", filename)
	}
	m.dir = filepath.Dir(filename)
	m.ID = filepath.Base(m.dir)
	if len(m.CRS) == 0 {
		m.CRS = utils.WGS84
	}
	return m, nil
}

// DirReader serves assets laid out as Root/<asset id>/tile.yaml.
type DirReader struct {
	Root string
}

func NewDirReader(root string) *DirReader {
	return &DirReader{Root: root}
}

// Scan lists the manifests of every asset below Root.
func (r *DirReader) Scan() ([]*Manifest, error) {
	var out []*Manifest
	err := filepath.WalkDir(r.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != ManifestFile {
			return nil
		}
		m, err := readManifest(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(r.Root, m.dir)
		if err == nil {
			m.ID = filepath.ToSlash(rel)
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

// Assets scans Root and returns task metadata for every asset.
func (r *DirReader) Assets() ([]*processor.Asset, error) {
	manifests, err := r.Scan()
	if err != nil {
		return nil, err
	}
	out := make([]*processor.Asset, 0, len(manifests))
	for _, m := range manifests {
		a, err := m.Asset()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (r *DirReader) manifest(asset string) (*Manifest, error) {
	clean := filepath.Clean(filepath.FromSlash(asset))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("%w: %q", processor.ErrAssetNotFound, asset)
	}
	m, err := readManifest(filepath.Join(r.Root, clean, ManifestFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", processor.ErrAssetNotFound, asset)
	}
	if err != nil {
		return nil, err
	}
	m.ID = filepath.ToSlash(clean)
	return m, nil
}

// ReadTile resamples the requested bands onto the request grid with
// nearest neighbour. Reprojection is not supported: the request CRS must
// match the asset's.
func (r *DirReader) ReadTile(ctx context.Context, req *TileRequest) (*processor.Image, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	m, err := r.manifest(req.Asset)
	if err != nil {
		return nil, err
	}

	crs := req.CRS
	if len(crs) == 0 {
		crs = m.CRS
	}
	if !utils.SameCRS(crs, m.CRS) {
		return nil, fmt.Errorf("%w: asset %s is in %s, tile requested in %s", utils.ErrUnsupportedCRS, m.ID, m.CRS, crs)
	}
	if req.BBox[0] >= m.BBox[2] || req.BBox[2] <= m.BBox[0] || req.BBox[1] >= m.BBox[3] || req.BBox[3] <= m.BBox[1] {
		return nil, fmt.Errorf("%w: asset %s %v, tile %v", processor.ErrTileOutsideBounds, m.ID, m.BBox, req.BBox)
	}

	bands := req.Bands
	if len(bands) == 0 {
		bands = m.bandNames()
	}
	noData := m.noData()
	out := processor.NewImage(req.Width, req.Height, bands, req.BBox, crs, noData)

	srcGeot := processor.BBox2Geot(m.Width, m.Height, m.BBox)
	dstGeot := processor.BBox2Geot(req.Width, req.Height, req.BBox)

	// source offset of every destination column and row, -1 when outside
	cols := make([]int, req.Width)
	for i := range cols {
		x := dstGeot[0] + (float64(i)+0.5)*dstGeot[1]
		cols[i] = sampleIndex((x-srcGeot[0])/srcGeot[1], m.Width)
	}
	rows := make([]int, req.Height)
	for j := range rows {
		y := dstGeot[3] + (float64(j)+0.5)*dstGeot[5]
		rows[j] = sampleIndex((y-srcGeot[3])/srcGeot[5], m.Height)
	}

	size := req.Width * req.Height
	for ib, name := range bands {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		src, err := r.readBand(m, name)
		if err != nil {
			return nil, err
		}
		dst := out.Data[ib*size : (ib+1)*size]
		for j, row := range rows {
			if row < 0 {
				continue
			}
			for i, col := range cols {
				if col < 0 {
					continue
				}
				dst[j*req.Width+i] = src[row*m.Width+col]
			}
		}
	}
	return out, nil
}

func sampleIndex(pos float64, n int) int {
	idx := int(math.Floor(pos))
	if idx < 0 || idx >= n {
		return -1
	}
	return idx
}

func (r *DirReader) readBand(m *Manifest, name string) ([]float32, error) {
	var band *ManifestBand
	for i := range m.Bands {
		if m.Bands[i].Name == name {
			band = &m.Bands[i]
			break
		}
	}
	if band == nil {
		return nil, fmt.Errorf("%w: band '%v' of asset %s", processor.ErrAssetNotFound, name, m.ID)
	}

	filename := band.Path
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(m.dir, filename)
	}
	rawData, err := os.ReadFile(filename)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", processor.ErrAssetNotFound, filename)
	}
	if err != nil {
		return nil, err
	}
	if len(rawData) != 4*m.Width*m.Height {
		return nil, fmt.Errorf("%w: %s holds %d bytes, want %d", processor.ErrShapeMismatch, filename, len(rawData), 4*m.Width*m.Height)
	}

	out := make([]float32, m.Width*m.Height)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(rawData[4*i:]))
	}
	return out, nil
}

// WriteBand stores samples in the raw layout readBand expects.
func WriteBand(filename string, samples []float32) error {
	buf := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return os.WriteFile(filename, buf, 0644)
}

// WriteManifest stores m as dir/tile.yaml.
func WriteManifest(dir string, m *Manifest) error {
	rawData, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestFile), rawData, 0644)
}
