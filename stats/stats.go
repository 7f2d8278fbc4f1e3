// Package stats exports a go-metrics registry to graphite or prometheus.
package stats

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"time"

	graphite "github.com/cyberdelia/go-metrics-graphite"
	mp "github.com/nbrownus/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"github.com/romshark/e1000rx-go/config"
)

// Exporter publishes a registry until Close is called.
type Exporter struct {
	srv  *http.Server
	addr net.Addr
}

// Addr returns the address the prometheus endpoint listens on, or nil.
func (e *Exporter) Addr() net.Addr { return e.addr }

// Close stops the HTTP endpoint if there is one. The graphite sink has no
// way to stop and keeps running until the process exits.
func (e *Exporter) Close() error {
	if e == nil || e.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.srv.Shutdown(ctx)
}

// Start exports r as configured by c. It returns a nil exporter if stats
// are disabled.
func Start(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) (*Exporter, error) {
	if !c.Enabled() {
		return nil, nil
	}
	if c.Interval <= 0 {
		return nil, fmt.Errorf("stats.interval was an invalid duration: %s", c.Interval)
	}

	var (
		e   *Exporter
		err error
	)
	switch c.Type {
	case "graphite":
		e, err = startGraphite(l, c, r)
	case "prometheus":
		e, err = startPrometheus(l, c, r, buildVersion)
	default:
		return nil, fmt.Errorf("stats.type was not understood: %s", c.Type)
	}
	if err != nil {
		return nil, err
	}

	metrics.RegisterRuntimeMemStats(r)
	go metrics.CaptureRuntimeMemStats(r, c.Interval)

	return e, nil
}

func startGraphite(l *logrus.Logger, c config.Stats, r metrics.Registry) (*Exporter, error) {
	proto := c.Protocol
	if proto == "" {
		proto = "tcp"
	}
	if c.Host == "" {
		return nil, errors.New("stats.host can not be empty")
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "e1000rx"
	}

	addr, err := net.ResolveTCPAddr(proto, c.Host)
	if err != nil {
		return nil, fmt.Errorf("error while setting up graphite sink: %w", err)
	}

	l.WithFields(logrus.Fields{
		"interval": c.Interval,
		"prefix":   prefix,
		"addr":     addr,
	}).Info("Starting graphite")
	go graphite.Graphite(r, c.Interval, prefix, addr)
	return &Exporter{}, nil
}

func startPrometheus(l *logrus.Logger, c config.Stats, r metrics.Registry, buildVersion string) (*Exporter, error) {
	if c.Listen == "" {
		return nil, errors.New("stats.listen should not be empty")
	}
	if c.Path == "" {
		return nil, errors.New("stats.path should not be empty")
	}

	pr := prometheus.NewRegistry()
	pClient := mp.NewPrometheusProvider(r, c.Namespace, c.Subsystem, pr, c.Interval)
	go pClient.UpdatePrometheusMetrics()

	// Version information as labels on a static gauge.
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: c.Namespace,
		Subsystem: c.Subsystem,
		Name:      "info",
		Help:      "Version information for the e1000rx binary",
		ConstLabels: prometheus.Labels{
			"version":   buildVersion,
			"goversion": runtime.Version(),
		},
	})
	pr.MustRegister(g)
	g.Set(1)

	ln, err := net.Listen("tcp", c.Listen)
	if err != nil {
		return nil, fmt.Errorf("listening for prometheus scrapes: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(c.Path, promhttp.HandlerFor(pr, promhttp.HandlerOpts{ErrorLog: l}))
	e := &Exporter{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		addr: ln.Addr(),
	}

	l.WithFields(logrus.Fields{"listen": e.addr.String(), "path": c.Path}).
		Info("Prometheus stats listening")
	go func() {
		if err := e.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("Prometheus stats endpoint failed")
		}
	}()
	return e, nil
}
