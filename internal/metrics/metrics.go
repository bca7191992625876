// Package metrics holds the Prometheus collectors exported by the sync
// daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FolderPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_folder_passes_total",
			Help: "Folder sync passes by strategy and result.",
		},
		[]string{"kind", "result"},
	)
	FolderPassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_folder_pass_duration_seconds",
			Help:    "Duration of folder sync passes.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)
	ChangesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_changes_applied_total",
			Help: "Remote changes applied to the local store.",
		},
		[]string{"kind"},
	)
	SyncErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_errors_total",
			Help: "Sync errors by kind.",
		},
		[]string{"kind"},
	)
	EpochResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailsync_epoch_resets_total",
			Help: "Folders whose validity epoch changed.",
		},
	)
	IdleWakeups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_idle_wakeups_total",
			Help: "Push listener wakeups by reason.",
		},
		[]string{"result"},
	)
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_sessions_open",
			Help: "Open protocol sessions across all accounts.",
		},
	)
	AccountsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_accounts_running",
			Help: "Accounts with a running coordinator on this host.",
		},
	)
	SupervisorActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_supervisor_actions_total",
			Help: "Account placement actions taken by the supervisor.",
		},
		[]string{"action"},
	)
)
