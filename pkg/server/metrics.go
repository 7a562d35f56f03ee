// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the server's Prometheus instrumentation, registered on a
// private registry so tests can run many servers in one process.
type Metrics struct {
	reg *prometheus.Registry

	ConnectedClients prometheus.Gauge
	ActiveNodes      prometheus.Gauge
	CrashedJobs      prometheus.Counter
	CommittedRounds  prometheus.Counter
	RejectedRounds   prometheus.Counter
	AcceptedMoves    prometheus.Counter
	RejectedMoves    prometheus.Counter
	SnapshotSaves    prometheus.Counter
	QueueSubmissions prometheus.Counter
	SubmitFailures   prometheus.Counter
	DiskAlmostFull   prometheus.Gauge
}

func newMetrics() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dr_connected_clients", Help: "Sessions currently open."})
	m.ActiveNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dr_active_nodes", Help: "Claimed worker slots."})
	m.CrashedJobs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_crashed_jobs_total", Help: "Rounds reclaimed by the crash check."})
	m.CommittedRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_committed_rounds_total", Help: "Rounds written to the force database."})
	m.RejectedRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_rejected_rounds_total", Help: "Rounds failing protocol or integrity checks."})
	m.AcceptedMoves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_accepted_moves_total", Help: "Replica moves accepted."})
	m.RejectedMoves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_rejected_moves_total", Help: "Replica moves rejected."})
	m.SnapshotSaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_snapshot_saves_total", Help: "Checkpoints written."})
	m.QueueSubmissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_queue_submissions_total", Help: "Successful drsub invocations."})
	m.SubmitFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dr_submit_failures_total", Help: "Failed drsub invocations."})
	m.DiskAlmostFull = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dr_disk_almost_full", Help: "1 while the free-space floor is breached."})

	m.reg.MustRegister(
		m.ConnectedClients, m.ActiveNodes, m.CrashedJobs, m.CommittedRounds,
		m.RejectedRounds, m.AcceptedMoves, m.RejectedMoves, m.SnapshotSaves,
		m.QueueSubmissions, m.SubmitFailures, m.DiskAlmostFull,
	)
	return m
}

// Handler serves the registry for the --metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
