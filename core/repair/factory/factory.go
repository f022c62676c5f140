package factory

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/core/repair/repairman"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Suffixes of the files kept next to a database.
const (
	WalSuffix           = "-wal"
	ShmSuffix           = "-shm"
	JournalSuffix       = "-journal"
	FirstMaterialSuffix = "-first.material"
	LastMaterialSuffix  = "-last.material"
	FactorySuffix       = ".factory"
)

// Workshop directory names.
const (
	RestoreDirectory = "restore"
	RenewDirectory   = "renew"
	StagingDirectory = "deposit.staging"
)

// Config configures a Factory.
type Config struct {
	// Repair configures the repair passes of Retriever.
	Repair repairman.Config

	// Compress stores material bodies xz compressed.
	Compress bool
}

// DefaultConfig returns the default factory configuration.
func DefaultConfig() Config {
	return Config{
		Repair:   repairman.DefaultConfig(),
		Compress: true,
	}
}

// Option configures a Factory.
type Option func(*Factory)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(f *Factory) { f.cfg = cfg }
}

// WithCompression sets whether materials are compressed.
func WithCompression(compress bool) Option {
	return func(f *Factory) { f.cfg.Compress = compress }
}

// WithProgress sets the callback of repair passes.
func WithProgress(fn func(progress, increment float64) bool) Option {
	return func(f *Factory) { f.cfg.Repair.OnProgress = fn }
}

// Factory locates the backups and workshops of one database.
type Factory struct {
	database string
	cfg      Config
}

// New returns the factory of the database at path.
func New(path string, opts ...Option) *Factory {
	f := &Factory{database: filepath.Clean(path), cfg: DefaultConfig()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the configuration.
func (f *Factory) Config() Config {
	return f.cfg
}

// Database returns the live database path.
func (f *Factory) Database() string {
	return f.database
}

// Name returns the base name of the database.
func (f *Factory) Name() string {
	return filepath.Base(f.database)
}

// Directory returns the factory directory.
func (f *Factory) Directory() string {
	return f.database + FactorySuffix
}

// RestoreDirectory returns the retrieval workshop.
func (f *Factory) RestoreDirectory() string {
	return filepath.Join(f.Directory(), RestoreDirectory)
}

// RenewDirectory returns the renewal workshop.
func (f *Factory) RenewDirectory() string {
	return filepath.Join(f.Directory(), RenewDirectory)
}

// StagingDirectory returns the directory a deposit is assembled in.
func (f *Factory) StagingDirectory() string {
	return filepath.Join(f.Directory(), StagingDirectory)
}

// Slots returns the material slots of the live database.
func (f *Factory) Slots() Slots {
	return slotsOf(f.database)
}

// WorkshopDirectories returns the deposit workshops in name order.
func (f *Factory) WorkshopDirectories() ([]string, error) {
	entries, err := os.ReadDir(f.Directory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIO("list workshops", f.Directory(), err)
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := uuid.Parse(e.Name()); err != nil {
			continue
		}
		dirs = append(dirs, filepath.Join(f.Directory(), e.Name()))
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ContainsDeposited reports whether any deposit workshop exists.
func (f *Factory) ContainsDeposited() bool {
	dirs, err := f.WorkshopDirectories()
	return err == nil && len(dirs) > 0
}

// RemoveDeposited deletes every deposit workshop.
func (f *Factory) RemoveDeposited() error {
	dirs, err := f.WorkshopDirectories()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return errors.NewIO("remove workshop", dir, err)
		}
	}
	return nil
}

// RemoveDirectoryIfEmpty deletes the factory directory when nothing is
// left in it.
func (f *Factory) RemoveDirectoryIfEmpty() error {
	entries, err := os.ReadDir(f.Directory())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIO("list factory", f.Directory(), err)
	}
	if len(entries) > 0 {
		return nil
	}
	if err := os.Remove(f.Directory()); err != nil && !os.IsNotExist(err) {
		return errors.NewIO("remove factory", f.Directory(), err)
	}
	return nil
}

// Backup returns a backup of the live database into its slots.
func (f *Factory) Backup() *Backup {
	return newBackup(f.database, f.Slots(), f.cfg.Compress)
}

// Retriever returns a retrieval of the live database and its deposits.
func (f *Factory) Retriever() *Retriever {
	return &Retriever{factory: f}
}

// Depositor returns a deposit of the live database.
func (f *Factory) Depositor() *Depositor {
	return &Depositor{factory: f}
}

// Renewer returns a renewal of the live database from the deposits.
func (f *Factory) Renewer() *Renewer {
	return &Renewer{factory: f}
}

// Materials returns a loader of the live database materials.
func (f *Factory) Materials() *Materials {
	return NewMaterials(f.Slots())
}

// Meta returns a scan of the sources a retrieval would use.
func (f *Factory) Meta() *Meta {
	return newMeta(f)
}

// deposit moves the database, its companions and its materials into a new
// workshop and returns the workshop. Nothing is published when none of
// them exist.
func (f *Factory) deposit(ctx context.Context) (string, error) {
	staging := f.StagingDirectory()
	if err := resetDirectory(ctx, staging); err != nil {
		return "", err
	}
	moved := 0
	for _, src := range append(databaseFiles(f.Database()), f.Slots().Paths()...) {
		if !exists(src) {
			continue
		}
		if err := moveFile(src, filepath.Join(staging, filepath.Base(src))); err != nil {
			return "", err
		}
		moved++
	}
	if moved == 0 {
		return "", removeDirectory(staging)
	}
	if err := material.SyncDir(filepath.Dir(f.Database())); err != nil {
		return "", err
	}
	return f.publishStaging()
}

// completeStaging finishes a deposit interrupted after its files were
// moved into staging.
func (f *Factory) completeStaging(ctx context.Context) error {
	staging := f.StagingDirectory()
	entries, err := os.ReadDir(staging)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIO("list staging", staging, err)
	}
	if len(entries) == 0 {
		return removeDirectory(staging)
	}
	workshop, err := f.publishStaging()
	if err != nil {
		return err
	}
	logging.FactoryEvent(ctx, "staging_recovered", workshop)
	return nil
}

// publishStaging renames the staging directory to a new workshop.
func (f *Factory) publishStaging() (string, error) {
	workshop := filepath.Join(f.Directory(), uuid.New().String())
	if err := os.Rename(f.StagingDirectory(), workshop); err != nil {
		return "", errors.NewIO("publish deposit", workshop, err)
	}
	if err := material.SyncDir(f.Directory()); err != nil {
		return "", err
	}
	return workshop, nil
}

// databaseFiles returns the database and its companion files.
func databaseFiles(path string) []string {
	return []string{path, path + WalSuffix, path + ShmSuffix, path + JournalSuffix}
}

// exists reports whether path exists.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// moveFile renames src to dst. A missing src is not an error.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIO("move", src, err)
	}
	return nil
}

// removeFiles deletes paths, ignoring missing ones.
func removeFiles(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.NewIO("remove", p, err)
		}
	}
	return nil
}

// removeDirectory deletes dir and its content.
func removeDirectory(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.NewIO("remove workshop", dir, err)
	}
	return nil
}

// resetDirectory empties dir, creating it when missing.
func resetDirectory(ctx context.Context, dir string) error {
	if exists(dir) {
		logging.FactoryEvent(ctx, "workshop_discarded", dir)
		if err := os.RemoveAll(dir); err != nil {
			return errors.NewIO("remove workshop", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewIO("create workshop", dir, err)
	}
	return nil
}
