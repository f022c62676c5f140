package factory

import (
	"context"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Depositor moves a damaged database into a workshop and renews the live
// path with an empty database of the same schema.
type Depositor struct {
	factory  *Factory
	workshop string
}

// Workshop returns the workshop the last Work deposited into.
func (d *Depositor) Workshop() string {
	return d.workshop
}

// Work deposits the live database.
func (d *Depositor) Work(ctx context.Context) error {
	f := d.factory
	if err := f.completeStaging(ctx); err != nil {
		return err
	}
	if !exists(f.Database()) {
		return errors.New(errors.CodeNotFound, "nothing to deposit").WithPath(f.Database())
	}

	if !f.Slots().Any() {
		if err := f.Backup().Work(ctx); err != nil {
			logging.Warn("deposit_backup_failed", "database", f.Database(), "error", err.Error())
		}
	}

	workshop, err := f.deposit(ctx)
	if err != nil {
		return err
	}
	d.workshop = workshop
	logging.FactoryEvent(ctx, "deposited", workshop)

	renewer := f.Renewer()
	if err := renewer.Prepare(ctx); err != nil {
		return err
	}
	return renewer.Work(ctx)
}
