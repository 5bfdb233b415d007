package registrar

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citeledger_registrations_total",
		Help: "Completed registrations by outcome (committed or dry_run).",
	}, []string{"outcome"})

	retractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citeledger_retractions_total",
		Help: "Retraction state changes by direction.",
	}, []string{"direction"})

	editsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citeledger_edits_total",
		Help: "Completed edit (retract and re-register) operations.",
	})

	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citeledger_validations_total",
		Help: "Validation verdicts by result (match or mismatch).",
	}, []string{"result"})

	archiveFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citeledger_archive_failures_total",
		Help: "Off-ledger archive writes that failed. Archival is non-fatal, so failures surface only here and in logs.",
	})
)
