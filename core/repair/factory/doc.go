// Package factory manages backup materials and the workshops used to
// restore a damaged database.
//
// For a database at <dir>/<name> the factory owns:
//
//	<dir>/<name>-first.material    backup slot
//	<dir>/<name>-last.material     backup slot
//	<dir>/<name>.factory/          workshops
//	    restore/                   database being retrieved
//	    renew/                     fresh database being prepared
//	    deposit.staging/           deposit in progress
//	    <uuid>/                    deposited database files and materials
//
// Backup writes a material to the missing or older slot. Retriever repairs
// the live database and every deposit into one restored database and
// publishes it over the live path. Depositor moves a damaged database aside
// so the application can keep running on a fresh one, which Renewer builds
// from the deposited schema.
package factory
