package catalog

import (
	"log"
	"time"

	"github.com/BurntSushi/migration"
)

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
	mysqlschema2,
}

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysql connects to a MySQL catalog, migrating the schema as needed.
// The dial string should set parseTime=true.
func NewMysql(dial string) (Catalog, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &sqlCatalog{db: db, q: mysqlDialect.queries(), now: time.Now}, nil
}

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS media (
		id int PRIMARY KEY AUTO_INCREMENT,
		volname varchar(128),
		pool varchar(128),
		pooltype varchar(32),
		mediatype varchar(128),
		volstatus varchar(32),
		slot int,
		inchanger bool,
		recycle bool,
		voljobs int unsigned,
		volfiles int unsigned,
		volblocks int unsigned,
		volbytes bigint unsigned,
		volmounts int unsigned,
		volerrors int unsigned,
		volwrites int unsigned,
		volreads int unsigned,
		volrbytes bigint unsigned,
		volrecycles int unsigned,
		maxjobs int unsigned,
		maxfiles int unsigned,
		maxbytes bigint unsigned,
		capacity bigint unsigned,
		endfile int unsigned,
		endblock int unsigned,
		labeltype int,
		labeldate datetime,
		firstwritten datetime,
		lastwritten datetime,
		UNIQUE INDEX media_volname (volname))`,

		`CREATE TABLE IF NOT EXISTS jobmedia (
		id int PRIMARY KEY AUTO_INCREMENT,
		jobid int unsigned,
		volname varchar(128),
		volindex int,
		firstindex int,
		lastindex int,
		startfile int unsigned,
		endfile int unsigned,
		startblock int unsigned,
		endblock int unsigned,
		INDEX jobmedia_jobid (jobid))`,
	}
	return execlist(tx, s)
}

func mysqlschema2(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS pools (
		name varchar(128) PRIMARY KEY,
		pooltype varchar(32),
		labelformat varchar(128),
		maxjobs int unsigned,
		maxbytes bigint unsigned,
		recycle bool)`,
		`CREATE INDEX media_pool ON media (pool, mediatype, volstatus)`,
	}
	return execlist(tx, s)
}
