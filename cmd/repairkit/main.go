// Command repairkit backs up, inspects and repairs SQLite databases by
// reading their pages directly.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/factory"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/core/repair/pager"
	"github.com/FocuswithJustin/repairkit/core/repair/repairman"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
	"github.com/FocuswithJustin/repairkit/internal/logging"
	"github.com/FocuswithJustin/repairkit/internal/validation"
)

const version = "0.1.0"

// CLI defines the command-line interface for repairkit.
var CLI struct {
	// Global flags
	Config    kong.ConfigFlag `help:"Load flags from a JSON file"`
	LogLevel  string          `name:"log-level" help:"Log level" default:"warn" enum:"debug,info,warn,error"`
	LogFormat string          `name:"log-format" help:"Log format" default:"text" enum:"text,json"`

	Backup   BackupCmd   `cmd:"" help:"Write a backup material of a database"`
	Retrieve RetrieveCmd `cmd:"" help:"Repair a database and its deposits in place"`
	Deposit  DepositCmd  `cmd:"" help:"Move a damaged database aside and renew it"`
	Renew    RenewCmd    `cmd:"" help:"Rebuild an empty database from deposited schema"`
	Repair   RepairCmd   `cmd:"" help:"Repair a database into a new file"`
	Inspect  InspectCmd  `cmd:"" help:"Describe a database and its backups"`
	Version  VersionCmd  `cmd:"" help:"Print version information"`
}

// Globals are passed to every command.
type Globals struct {
	ctx context.Context
	out io.Writer
}

// BackupCmd writes a backup material.
type BackupCmd struct {
	Database   string `arg:"" help:"Database path" type:"existingfile"`
	NoCompress bool   `name:"no-compress" help:"Store the material uncompressed"`
	Lock       bool   `help:"Hold a read transaction while crawling"`
}

func (c *BackupCmd) Run(g *Globals) error {
	if err := validation.ValidatePath(c.Database); err != nil {
		return fmt.Errorf("invalid database path: %w", err)
	}
	f := factory.New(c.Database, factory.WithCompression(!c.NoCompress))
	b := f.Backup()
	if c.Lock {
		db, err := sqlite.OpenReadOnly(c.Database)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		b.WithReadLock(db)
	}
	if err := b.Work(g.ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Backed up %d contents to %s\n", len(b.Material().Contents), b.Written())
	return nil
}

// RetrieveCmd repairs a database and its deposits in place.
type RetrieveCmd struct {
	Database string `arg:"" help:"Database path" type:"path"`
}

func (c *RetrieveCmd) Run(g *Globals) error {
	r := factory.New(c.Database).Retriever()
	if err := r.Work(g.ctx); err != nil {
		return err
	}
	for _, rep := range r.Reports() {
		source := rep.Source.Database
		if rep.Err != nil {
			fmt.Fprintf(g.out, "  %s: skipped (%v)\n", source, rep.Err)
			continue
		}
		guide := "full crawl"
		if rep.Material != "" {
			guide = filepath.Base(rep.Material)
		}
		fmt.Fprintf(g.out, "  %s: %s, score %.2f%%, %s rows, %d corrupted pages (%s)\n",
			source, humanize.Bytes(uint64(rep.Source.Size)), rep.Score*100,
			humanize.Comma(rep.Cells), len(rep.Corruptions), guide)
	}
	fmt.Fprintf(g.out, "Retrieved %s with score %.2f%%\n", c.Database, r.Score()*100)
	return nil
}

// DepositCmd moves a damaged database aside.
type DepositCmd struct {
	Database string `arg:"" help:"Database path" type:"existingfile"`
}

func (c *DepositCmd) Run(g *Globals) error {
	d := factory.New(c.Database).Depositor()
	if err := d.Work(g.ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Deposited into %s\n", d.Workshop())
	return nil
}

// RenewCmd rebuilds an empty database from the deposits.
type RenewCmd struct {
	Database string `arg:"" help:"Database path" type:"path"`
}

func (c *RenewCmd) Run(g *Globals) error {
	r := factory.New(c.Database).Renewer()
	if err := r.Prepare(g.ctx); err != nil {
		return err
	}
	if err := r.Work(g.ctx); err != nil {
		return err
	}
	fmt.Fprintf(g.out, "Renewed %s with %d contents\n", c.Database, len(r.Schema().Contents))
	return nil
}

// RepairCmd repairs a database into a new file.
type RepairCmd struct {
	Database    string `arg:"" help:"Damaged database path" type:"existingfile"`
	Out         string `required:"" help:"Restored database path" type:"path"`
	Material    string `help:"Backup material guiding the repair" type:"existingfile"`
	Full        bool   `help:"Scan every page and keep unreachable rows in lost_and_found tables"`
	PageSize    uint32 `name:"page-size" help:"Page size to assume when the header is damaged"`
	MaxWalFrame uint32 `name:"max-wal-frame" help:"Ignore WAL frames after this one"`
	NoWal       bool   `name:"no-wal" help:"Ignore the WAL"`
}

type pass interface {
	Work(ctx context.Context) error
	Score() float64
	Corruptions() []repairman.Corruption
	AssembledCells() int64
}

func (c *RepairCmd) Run(g *Globals) error {
	if err := validation.ValidatePath(c.Out); err != nil {
		return fmt.Errorf("invalid output path: %w", err)
	}
	if _, err := os.Stat(c.Out); err == nil {
		return fmt.Errorf("output %s already exists", c.Out)
	}
	cfg := repairman.DefaultConfig()
	cfg.Pager.PageSize = c.PageSize
	cfg.Pager.MaxWalFrame = c.MaxWalFrame
	cfg.Pager.WalImportance = !c.NoWal

	a := assemble.NewSQLiteAssembler(c.Out)
	var p pass
	switch {
	case c.Material != "":
		m, err := material.ReadFile(c.Material)
		if err != nil {
			return err
		}
		p = repairman.NewMechanic(c.Database, a, m, cfg)
	case c.Full:
		p = repairman.NewFullCrawler(c.Database, a, cfg)
	default:
		p = repairman.New(c.Database, a, cfg)
	}
	if err := p.Work(g.ctx); err != nil {
		return err
	}

	fmt.Fprintf(g.out, "Repaired %s into %s\n", c.Database, c.Out)
	fmt.Fprintf(g.out, "  Score:     %.2f%%\n", p.Score()*100)
	fmt.Fprintf(g.out, "  Rows:      %s\n", humanize.Comma(p.AssembledCells()))
	fmt.Fprintf(g.out, "  Corrupted: %d pages\n", len(p.Corruptions()))
	for _, cr := range p.Corruptions() {
		fmt.Fprintf(g.out, "    page %d: %v\n", cr.Page, cr.Err)
	}
	return nil
}

// InspectCmd describes a database and its backups.
type InspectCmd struct {
	Database string `arg:"" help:"Database path" type:"existingfile"`
}

// corruptionCounter counts damaged pages met while reading the schema.
type corruptionCounter struct {
	pages map[uint32]bool
}

func (c *corruptionCounter) OnPageCorrupted(pgno uint32, err error) {
	c.pages[pgno] = true
}

func (c *corruptionCounter) OnCellCorrupted(page *btree.Page, index int, err error) {
	c.pages[page.Number] = true
}

func (c *InspectCmd) Run(g *Globals) error {
	typ, err := validation.DetectFile(c.Database)
	if err != nil {
		return err
	}
	if typ != validation.FileTypeDatabase {
		return fmt.Errorf("%s looks like a %s file, not a database", c.Database, typ)
	}

	p := pager.New(c.Database, pager.DefaultConfig())
	if err := p.Initialize(); err != nil {
		return err
	}
	defer p.Close()

	size := int64(p.PageCount()) * int64(p.PageSize())
	fmt.Fprintf(g.out, "Database:   %s\n", c.Database)
	fmt.Fprintf(g.out, "Page size:  %d (reserved %d)\n", p.PageSize(), p.ReservedBytes())
	fmt.Fprintf(g.out, "Pages:      %s (%s)\n", humanize.Comma(int64(p.PageCount())), humanize.Bytes(uint64(size)))
	if p.HasWal() {
		fmt.Fprintf(g.out, "WAL:        %d frames, %d backfilled\n", p.WalFrameCount(), p.WalBackfill())
	}
	if p.Header() == nil {
		fmt.Fprintln(g.out, "Header:     damaged")
	}

	counter := &corruptionCounter{pages: make(map[uint32]bool)}
	master, err := crawl.NewMasterCrawler(crawl.NewCrawlable(p, false), counter).Work(g.ctx)
	if err != nil {
		return err
	}
	tables := master.Tables()
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	fmt.Fprintf(g.out, "Tables:     %d\n", len(tables))
	for _, e := range tables {
		note := ""
		if !e.Repairable() {
			note = " (not repairable)"
		}
		fmt.Fprintf(g.out, "  %-24s root %d%s\n", e.Name, e.RootPage, note)
	}
	if len(counter.pages) > 0 {
		fmt.Fprintf(g.out, "Schema corruption: %d pages\n", len(counter.pages))
	}

	f := factory.New(c.Database)
	loaded, err := f.Materials().Work(g.ctx)
	switch {
	case err != nil:
		fmt.Fprintf(g.out, "Material:   unreadable (%v)\n", err)
	case loaded == nil:
		fmt.Fprintln(g.out, "Material:   none")
	default:
		fmt.Fprintf(g.out, "Material:   %s, %s, %d contents\n", filepath.Base(loaded.Path),
			humanize.Time(loaded.ModTime), len(loaded.Material.Contents))
	}
	if f.ContainsDeposited() {
		dirs, _ := f.WorkshopDirectories()
		fmt.Fprintf(g.out, "Deposits:   %d\n", len(dirs))
	}
	return nil
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	info := sqlite.GetInfo()
	fmt.Fprintf(g.out, "repairkit version %s (sqlite %s, %s)\n", version, info.DriverType, info.Package)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("repairkit"),
		kong.Description("Recover data from damaged SQLite databases"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/repairkit.json"),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	format := logging.FormatText
	if CLI.LogFormat == "json" {
		format = logging.FormatJSON
	}
	logging.InitLogger(logging.ParseLevel(CLI.LogLevel), format)

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	runCtx = logging.WithPassID(runCtx, uuid.New().String())

	err := ctx.Run(&Globals{ctx: runCtx, out: os.Stdout})
	ctx.FatalIfErrorf(err)
}
