// Package tsdb provides delivery telemetry storage for Device Hub.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking batched writes, and health monitoring.
//
// # Purpose
//
// This package records distribution engine telemetry:
//   - Fan-out counts per dispatched entity (candidates vs. delivered)
//   - Per-subscriber push queue drops
//   - Long-poll waiter resolution outcomes and latencies
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    Enabled: true,
//	    URL:     "http://localhost:8086",
//	    Token:   "your-token",
//	    Org:     "devicehub",
//	    Bucket:  "telemetry",
//	}
//
//	client, err := tsdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// The client satisfies the dispatcher's Recorder interface.
//	dispatcher := dispatch.New(subs, store, dcfg, logger, nil, client)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are logged via a callback.
// Connection and health check errors are returned directly.
package tsdb
