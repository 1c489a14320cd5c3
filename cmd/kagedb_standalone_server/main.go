// Command kagedb_standalone_server runs a single-node KageDB instance
// behind a small line-oriented TCP protocol:
//
//	PUT <key> <value>
//	GET <key>
//	DEL <key>
//	SYNC
//	QUIT
//
// Every mutation holds the transaction around the item edit; SYNC
// commits the open transaction and waits for the result.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	storageengine "github.com/sushant-115/kagedb/core/storage_engine"
	"github.com/sushant-115/kagedb/pkg/logger"
	"github.com/sushant-115/kagedb/pkg/telemetry"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "localhost:9091", "address to listen on")
		dataDir     = flag.String("data-dir", "data/kagedb", "data directory")
		syncDelay   = flag.Duration("sync-delay", 10*time.Second, "max time a transaction stays open")
		logLevel    = flag.String("log-level", "info", "log level")
		logFormat   = flag.String("log-format", "console", "log format (json or console)")
		metricsPort = flag.Int("metrics-port", 0, "prometheus /metrics port (0 disables telemetry)")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(telemetry.Config{
		Enabled:        *metricsPort > 0,
		ServiceName:    "kagedb_standalone_server",
		PrometheusPort: *metricsPort,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	engine, err := storageengine.Open(storageengine.Options{
		DataDir:   *dataDir,
		SyncDelay: *syncDelay,
		Logger:    log,
		Meter:     tel.Meter,
	})
	if err != nil {
		log.Fatal("failed to open storage engine", zap.Error(err))
	}

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatal("failed to listen", zap.String("addr", *listenAddr), zap.Error(err))
	}
	log.Info("kagedb standalone server listening",
		zap.String("addr", *listenAddr),
		zap.String("data_dir", *dataDir),
		zap.String("mount_id", engine.MountID().String()))

	srv := &server{log: log, engine: engine}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Warn("accept failed", zap.Error(err))
			continue
		}
		srv.wg.Add(1)
		go srv.handleConnection(conn)
	}

	srv.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		log.Error("unmount failed", zap.Error(err))
	}
	if err := telShutdown(ctx); err != nil {
		log.Error("telemetry shutdown failed", zap.Error(err))
	}
}

type server struct {
	log    *zap.Logger
	engine *storageengine.Engine
	wg     sync.WaitGroup
}

func (s *server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	ctx := context.Background()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "QUIT") {
			fmt.Fprintln(conn, "OK: bye")
			return
		}
		fmt.Fprintln(conn, s.handleRequest(ctx, line))
	}
}

func (s *server) handleRequest(ctx context.Context, line string) string {
	parts := strings.SplitN(line, " ", 3)
	cmd := strings.ToUpper(parts[0])

	switch cmd {
	case "PUT":
		if len(parts) != 3 {
			return "ERROR: usage: PUT <key> <value>"
		}
		if err := s.engine.Put(ctx, []byte(parts[1]), []byte(parts[2])); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return "OK"
	case "GET":
		if len(parts) != 2 {
			return "ERROR: usage: GET <key>"
		}
		val, err := s.engine.Get([]byte(parts[1]))
		if errors.Is(err, storageengine.ErrNotFound) {
			return "ERROR: key not found"
		}
		if err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		return fmt.Sprintf("OK: %s", val)
	case "DEL":
		if len(parts) != 2 {
			return "ERROR: usage: DEL <key>"
		}
		if err := s.engine.Delete(ctx, []byte(parts[1])); err != nil {
			if errors.Is(err, storageengine.ErrNotFound) {
				return "ERROR: key not found"
			}
			return fmt.Sprintf("ERROR: %v", err)
		}
		return "OK"
	case "SYNC":
		if err := s.engine.Sync(ctx, true); err != nil {
			return fmt.Sprintf("ERROR: %v", err)
		}
		st := s.engine.Stats()
		return fmt.Sprintf("OK: seq %d", st.Seq)
	default:
		s.log.Debug("unknown command", zap.String("command", cmd))
		return fmt.Sprintf("ERROR: unknown command %q", cmd)
	}
}
