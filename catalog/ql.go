package catalog

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/migration"
	_ "github.com/cznic/ql/driver"
)

// The QL catalog is meant for development, tests and single drive
// installations.

var qlMigrations = []migration.Migrator{
	qlschema1,
}

var qlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version VALUES (?1, now())`,
	CreateSQL: `CREATE TABLE migration_version (version int, applied time)`,
	ExistsSQL: `SELECT count(*) FROM __Table WHERE Name == "migration_version"`,
}

// memoryDBs makes each in memory catalog separate.
var memoryDBs int64

// NewQl opens or creates a QL catalog in the given file. The filename
// "memory" keeps everything in memory.
func NewQl(filename string) (Catalog, error) {
	driver, dsn := "ql", filename
	if filename == "memory" {
		driver = "ql-mem"
		dsn = fmt.Sprintf("mem%d.db", atomic.AddInt64(&memoryDBs, 1))
	}
	db, err := migration.OpenWith(driver, dsn, qlMigrations, qlVersioning.Get, qlVersioning.Set)
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &sqlCatalog{db: db, q: qlDialect.queries(), now: time.Now}, nil
}

func qlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS media (
			volname string,
			pool string,
			pooltype string,
			mediatype string,
			volstatus string,
			slot int64,
			inchanger bool,
			recycle bool,
			voljobs int64,
			volfiles int64,
			volblocks int64,
			volbytes int64,
			volmounts int64,
			volerrors int64,
			volwrites int64,
			volreads int64,
			volrbytes int64,
			volrecycles int64,
			maxjobs int64,
			maxfiles int64,
			maxbytes int64,
			capacity int64,
			endfile int64,
			endblock int64,
			labeltype int64,
			labeldate time,
			firstwritten time,
			lastwritten time
		)`,
		`CREATE INDEX IF NOT EXISTS medianame ON media (volname)`,
		`CREATE INDEX IF NOT EXISTS mediapool ON media (pool)`,
		`CREATE TABLE IF NOT EXISTS jobmedia (
			jobid int64,
			volname string,
			volindex int64,
			firstindex int64,
			lastindex int64,
			startfile int64,
			endfile int64,
			startblock int64,
			endblock int64
		)`,
		`CREATE INDEX IF NOT EXISTS jobmediajob ON jobmedia (jobid)`,
		`CREATE TABLE IF NOT EXISTS pools (
			name string,
			pooltype string,
			labelformat string,
			maxjobs int64,
			maxbytes int64,
			recycle bool
		)`,
	}
	return execlist(tx, s)
}
