package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	reuseport "github.com/kavu/go_reuseport"
	"google.golang.org/grpc"

	"github.com/nci/gsky-openeo/metrics"
	"github.com/nci/gsky-openeo/utils"
	"github.com/nci/gsky-openeo/worker/tileservice"
)

func main() {
	configFile := flag.String("config", "", "YAML config file; flags below override it.")
	address := flag.String("addr", "", "gRPC server listening address.")
	poolSize := flag.Int("n", 0, "Maximum number of tiles read concurrently.")
	dataDir := flag.String("data", "", "Directory of tile assets.")
	metricsAddr := flag.String("metrics", "", "HTTP address serving Prometheus metrics.")
	logDir := flag.String("log_dir", "", "Directory for JSON metrics logs; stdout when empty.")
	debug := flag.Bool("debug", false, "verbose logging")
	flag.Parse()

	config := &utils.Config{}
	if len(*configFile) > 0 {
		var err error
		config, err = utils.LoadConfig(*configFile)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	if len(*address) > 0 {
		config.Worker.Address = *address
	}
	if len(config.Worker.Address) == 0 {
		config.Worker.Address = utils.DefaultWorkerAddress
	}
	if *poolSize > 0 {
		config.Worker.PoolSize = *poolSize
	}
	if config.Worker.PoolSize <= 0 {
		config.Worker.PoolSize = utils.DefaultPoolSize
	}
	if len(*dataDir) > 0 {
		config.Worker.DataDir = *dataDir
	}
	if len(*metricsAddr) > 0 {
		config.Metrics.HTTPAddress = *metricsAddr
	}
	if len(*logDir) > 0 {
		config.Metrics.LogDir = *logDir
	}
	if len(config.Worker.DataDir) == 0 {
		log.Fatalf("no data directory given")
	}

	reader := tileservice.NewDirReader(config.Worker.DataDir)
	if *debug {
		assets, err := reader.Assets()
		if err != nil {
			log.Printf("scanning %s: %v", config.Worker.DataDir, err)
		} else {
			log.Printf("serving %d assets from %s", len(assets), config.Worker.DataDir)
		}
	}

	prom := metrics.NewPrometheus()
	loggers := metrics.MultiLogger{prom}
	var fileLogger *metrics.FileLogger
	if len(config.Metrics.LogDir) > 0 {
		var err error
		fileLogger, err = metrics.NewFileLogger(config.Metrics.LogDir, config.Metrics.MaxLogFileSize, config.Metrics.MaxLogFiles, *debug)
		if err != nil {
			log.Fatalf("failed to open metrics log: %v", err)
		}
		loggers = append(loggers, fileLogger)
	} else if *debug {
		loggers = append(loggers, metrics.NewStdoutLogger())
	}

	if len(config.Metrics.HTTPAddress) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		go func() {
			log.Println(http.ListenAndServe(config.Metrics.HTTPAddress, mux))
		}()
	}

	srv := tileservice.NewServer(reader, config.Worker.PoolSize, loggers, *debug)
	s := grpc.NewServer()
	tileservice.RegisterTileServer(s, srv)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-signals
		s.GracefulStop()
		srv.Pool.Close()
		if fileLogger != nil {
			fileLogger.Close()
		}
		os.Exit(1)
	}()

	lis, err := reuseport.Listen("tcp", config.Worker.Address)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	log.Printf("tile worker listening on %s", config.Worker.Address)

	if err := s.Serve(lis); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
