package repairman_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/repairman"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
)

// Example repairs a database into a new file.
func Example() {
	tmpDir, err := os.MkdirTemp("", "repairman-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(tmpDir)

	src := filepath.Join(tmpDir, "damaged.db")
	db, err := sqlite.Open(src)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := db.Exec("CREATE TABLE notes(body TEXT)"); err != nil {
		log.Fatal(err)
	}
	if _, err := db.Exec("INSERT INTO notes VALUES ('kept')"); err != nil {
		log.Fatal(err)
	}
	db.Close()

	dst := filepath.Join(tmpDir, "restored.db")
	r := repairman.New(src, assemble.NewSQLiteAssembler(dst), repairman.DefaultConfig())
	if err := r.Work(context.Background()); err != nil {
		log.Fatal(err)
	}
	fmt.Println(r.State(), r.AssembledCells(), len(r.Corruptions()))
	// Output: assembled 1 0
}
