// Package metrics exposes bridge activity as Prometheus metrics.
//
// A Collector owns a private registry holding the bridge counters and
// gauges plus the Go runtime and process collectors. Server serves it
// over HTTP in the OpenMetrics format alongside a /health endpoint.
//
//	collector := metrics.NewCollector()
//	srv := metrics.NewServer(":9102", "/metrics", collector)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(context.Background())
package metrics
