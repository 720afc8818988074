package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "masond_tasks_enqueued_total",
		Help: "Tasks enqueued, labelled by their initial status.",
	}, []string{"status"})

	taskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "masond_task_transitions_total",
		Help: "Accepted task status transitions.",
	}, []string{"status"})

	tasksReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "masond_tasks_released_total",
		Help: "Tasks returned to the queue after a builder was lost.",
	})

	allocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "masond_allocations_total",
		Help: "Successful task dispatches to builders.",
	})
)
