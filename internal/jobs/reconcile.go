package jobs

import (
	"context"
)

// Reconciler rebuilds precomputed usage counters from the event store.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type ReconcileJob struct {
	reconciler Reconciler
}

func NewReconcileJob(reconciler Reconciler) *ReconcileJob {
	return &ReconcileJob{reconciler: reconciler}
}

func (j *ReconcileJob) Run(ctx context.Context) error {
	_, err := j.reconciler.Reconcile(ctx)
	return err
}
