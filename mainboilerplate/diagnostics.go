package mainboilerplate

import (
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Addr string `long:"addr" env:"ADDR" description:"Address at which to serve metrics and diagnostics (eg, :9090). Disabled if empty"`
}

// InitDiagnostics enables serving of metrics and debugging services
// registered on the default HTTPMux, if an address is configured.
func InitDiagnostics(cfg DiagnosticsConfig) {
	if cfg.Addr == "" {
		return
	}
	// Package "net/http/pprof" serves /debug/pprof/.

	// Serve a liveness check at /debug/ready.
	http.HandleFunc("/debug/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(cfg.Addr, nil); err != nil {
			log.WithFields(log.Fields{"addr": cfg.Addr, "err": err}).Warn("diagnostics server stopped")
		}
	}()
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}
