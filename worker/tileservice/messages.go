package tileservice

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nci/gsky-openeo/processor"
)

// TileRequest asks a worker for one asset resampled onto a target grid.
type TileRequest struct {
	Asset  string
	Bands  []string
	BBox   []float64
	CRS    string
	Width  int
	Height int
}

// CacheKey identifies the tile a request produces.
func (r *TileRequest) CacheKey() []string {
	bbox := make([]string, len(r.BBox))
	for i, v := range r.BBox {
		bbox[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return []string{
		r.Asset,
		strings.Join(r.Bands, ","),
		strings.Join(bbox, ","),
		r.CRS,
		strconv.Itoa(r.Width),
		strconv.Itoa(r.Height),
	}
}

func (r *TileRequest) validate() error {
	if len(r.Asset) == 0 {
		return fmt.Errorf("tile request has no asset")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("invalid tile size %dx%d", r.Width, r.Height)
	}
	if len(r.BBox) != 4 {
		return fmt.Errorf("tile bbox needs 4 values, got %d", len(r.BBox))
	}
	if r.BBox[0] >= r.BBox[2] || r.BBox[1] >= r.BBox[3] {
		return fmt.Errorf("degenerate tile bbox %v", r.BBox)
	}
	return nil
}

// ToStruct encodes the request as a protobuf Struct.
func (r *TileRequest) ToStruct() (*structpb.Struct, error) {
	bands := make([]interface{}, len(r.Bands))
	for i, b := range r.Bands {
		bands[i] = b
	}
	bbox := make([]interface{}, len(r.BBox))
	for i, v := range r.BBox {
		bbox[i] = v
	}
	return structpb.NewStruct(map[string]interface{}{
		"asset":  r.Asset,
		"bands":  bands,
		"bbox":   bbox,
		"crs":    r.CRS,
		"width":  float64(r.Width),
		"height": float64(r.Height),
	})
}

// TileRequestFromStruct is the inverse of ToStruct.
func TileRequestFromStruct(s *structpb.Struct) (*TileRequest, error) {
	fields := s.GetFields()
	req := &TileRequest{
		Asset:  fields["asset"].GetStringValue(),
		CRS:    fields["crs"].GetStringValue(),
		Width:  int(fields["width"].GetNumberValue()),
		Height: int(fields["height"].GetNumberValue()),
	}
	for _, v := range fields["bands"].GetListValue().GetValues() {
		req.Bands = append(req.Bands, v.GetStringValue())
	}
	for _, v := range fields["bbox"].GetListValue().GetValues() {
		req.BBox = append(req.BBox, v.GetNumberValue())
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Tile payload layout, little endian:
//
//	nodata  float64
//	nBands  uint32
//	samples float32 * nBands * width * height, band-major
const payloadHeaderSize = 12

func encodePayload(img *processor.Image) []byte {
	buf := make([]byte, payloadHeaderSize+4*len(img.Data))
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(img.NoData))
	binary.LittleEndian.PutUint32(buf[8:], uint32(img.BandCount()))
	off := payloadHeaderSize
	for _, v := range img.Data {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
		off += 4
	}
	return buf
}

// decodePayload rebuilds the image for req from a worker payload.
func decodePayload(req *TileRequest, buf []byte) (*processor.Image, error) {
	if len(buf) < payloadHeaderSize {
		return nil, fmt.Errorf("tile payload too short: %d bytes", len(buf))
	}
	noData := math.Float64frombits(binary.LittleEndian.Uint64(buf[0:]))
	nBands := int(binary.LittleEndian.Uint32(buf[8:]))

	size := req.Width * req.Height
	want := payloadHeaderSize + 4*size*nBands
	if len(buf) != want {
		return nil, fmt.Errorf("%w: tile payload has %d bytes, want %d", processor.ErrShapeMismatch, len(buf), want)
	}
	if len(req.Bands) > 0 && len(req.Bands) != nBands {
		return nil, fmt.Errorf("%w: tile has %d bands, requested %d", processor.ErrShapeMismatch, nBands, len(req.Bands))
	}

	data := make([]float32, size*nBands)
	off := payloadHeaderSize
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}
	return &processor.Image{
		Data:      data,
		Width:     req.Width,
		Height:    req.Height,
		BBox:      append([]float64(nil), req.BBox...),
		CRS:       req.CRS,
		BandNames: append([]string(nil), req.Bands...),
		NoData:    noData,
	}, nil
}
