/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// tdoa-sim is a demo/integration harness (SPEC_FULL.md §B.3): it runs a
// simulated tag node over pkg/radiotest's UDP-multicast transport, wires
// it to a pkg/tdoaengine.Engine through pkg/tagdriver.Driver, and serves
// the resulting pkg/rangingstats metrics on /metrics, mirroring the
// teacher's cmd/exporter_example1/2 wiring style.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/skyloco/tdoa-engine/pkg/anchorstore"
	"github.com/skyloco/tdoa-engine/pkg/radiotest"
	"github.com/skyloco/tdoa-engine/pkg/rangingstats"
	"github.com/skyloco/tdoa-engine/pkg/tagdriver"
	"github.com/skyloco/tdoa-engine/pkg/tdoaengine"
)

type loggingEstimator struct {
	log *logrus.Entry
}

func (e loggingEstimator) Enqueue(m tdoaengine.Measurement) {
	e.log.WithFields(logrus.Fields{
		"anchors":   m.AnchorIDs,
		"distDiff":  m.DistDiff,
		"stdDev":    m.StdDev,
	}).Info("measurement")
}

func (e loggingEstimator) EnqueueHeight(height, stdDev float64) {
	e.log.WithFields(logrus.Fields{"height": height, "stdDev": stdDev}).Info("height")
}

func main() {
	group := flag.String("group", "239.10.10.10:42420", "UDP multicast group shared by all simulated nodes")
	listenAddr := flag.String("listen", ":18081", "address to serve /metrics on")
	flag.Parse()

	log := logrus.StandardLogger()

	tagLink, err := radiotest.NewLink(*group, 0xfe)
	if err != nil {
		log.Fatalf("join multicast group: %v", err)
	}
	defer tagLink.Close()

	store := anchorstore.New(8, 8)
	counters := &rangingstats.Counters{}
	focus := &rangingstats.FocusTracker{}

	engine := tdoaengine.New(store, tdoaengine.Config{
		Algorithm: tdoaengine.MatchingAlgorithmYoungest,
		Estimator: loggingEstimator{log: log.WithField("component", "estimator")},
		Stats:     rangingstats.NewSink(counters, focus),
	})

	driver := tagdriver.New(tagdriver.Config{
		Engine: engine,
		Radio:  tagLink,
		Logger: log,
		OnRangingBitmap: func(bitmap uint64) {
			log.WithField("bitmap", fmt.Sprintf("%#x", bitmap)).Debug("ranging bitmap")
		},
	})

	collector := rangingstats.NewCollector(counters, focus)
	prometheus.MustRegister(collector)

	hostname, _ := os.Hostname()
	log.WithFields(logrus.Fields{
		"session":  driver.SessionID,
		"hostname": hostname,
		"fd":       tagLink.FD(),
	}).Info("tdoa-sim tag node starting")

	stop := make(chan struct{})
	go func() {
		if err := tagLink.ReceiveLoop(stop, func(payload []byte, srcAddr, rxTag uint64, nowMs int64) {
			driver.OnPacketReceived(payload, srcAddr, rxTag, nowMs)
		}); err != nil {
			log.WithError(err).Error("radio receive loop exited")
		}
	}()

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(*listenAddr, nil); err != nil {
			log.WithError(err).Fatal("metrics server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	close(stop)
}
