package metrics

import (
	"bytes"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/nci/gsky-openeo/utils"
)

// StackInfo describes the raster stack work done for one operation.
type StackInfo struct {
	NumTimestamps      int           `json:"num_timestamps"`
	NumRealized        int           `json:"num_realized"`
	NumLoaderErrors    int           `json:"num_loader_errors"`
	NumToleratedErrors int           `json:"num_tolerated_errors"`
	EarlyTerminated    bool          `json:"early_terminated"`
	Duration           time.Duration `json:"duration"`
}

type RPCInfo struct {
	Duration  time.Duration `json:"duration"`
	NumTiles  int           `json:"num_tiles"`
	NumErrors int           `json:"num_errors"`
	BytesRead int64         `json:"bytes_read"`
	CacheHits int           `json:"cache_hits"`
}

type MetricsInfo struct {
	ReqID        string          `json:"req_id"`
	ReqTime      string          `json:"req_time"`
	ReqDuration  time.Duration   `json:"req_duration"`
	Operation    string          `json:"operation"`
	Method       string          `json:"method,omitempty"`
	RemoteAddr   string          `json:"remote_addr,omitempty"`
	RemoteHost   string          `json:"remote_host,omitempty"`
	RemotePort   string          `json:"remote_port,omitempty"`
	Footprint    *utils.Geometry `json:"-"`
	Geometry     string          `json:"geometry"`
	GeometryArea float64         `json:"geometry_area"`
	Error        string          `json:"error,omitempty"`
	Stack        *StackInfo      `json:"stack"`
	RPC          *RPCInfo        `json:"rpc"`
}

type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			ReqID:   uuid.New().String(),
			ReqTime: time.Now().Format(time.RFC3339),
			Stack:   &StackInfo{},
			RPC:     &RPCInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	if len(i.RemoteAddr) > 0 {
		i.normaliseNetworkAddr(i.RemoteAddr)
	}
	err := i.normaliseGeometry()
	if err != nil {
		log.Printf("metrics: normaliseGeometry() error: %v", err)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	err = enc.Encode(i)
	if err == nil {
		return buf.String(), nil
	} else {
		return "", err
	}
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		i.RemoteHost = host
		i.RemotePort = port
	} else {
		i.RemoteHost = addr
	}
}

// normaliseGeometry reports the footprint in EPSG:4326 so that areas are
// comparable across requests.
func (i *MetricsInfo) normaliseGeometry() error {
	if i.Footprint == nil {
		if len(i.Geometry) == 0 {
			i.Geometry = "POLYGON EMPTY"
		}
		return nil
	}

	geom, err := i.Footprint.Reproject(utils.WGS84)
	if err != nil {
		i.Geometry = i.Footprint.WKT()
		return err
	}
	i.Geometry = geom.WKT()
	i.GeometryArea = geom.Area()
	return nil
}
