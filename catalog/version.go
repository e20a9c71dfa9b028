package catalog

import (
	"log"

	"github.com/BurntSushi/migration"
)

// dbVersion adapts the migration version functions to MySQL and QL.
type dbVersion struct {
	// SQL returning one row and column, the schema version
	GetSQL string
	// SQL inserting a new version, takes the version as parameter
	SetSQL string
	// SQL creating the version table
	CreateSQL string
	// optional SQL counting version tables. When it is given the version
	// table is looked for before it is used, for databases where a failed
	// statement spoils the transaction.
	ExistsSQL string
}

func (d dbVersion) Get(tx migration.LimitedTx) (int, error) {
	if d.ExistsSQL != "" && !d.exists(tx) {
		return 0, nil
	}
	v, err := d.get(tx)
	if err != nil {
		// we assume error means there is no migration table
		log.Println(err.Error())
		return 0, nil
	}
	return v, nil
}

func (d dbVersion) Set(tx migration.LimitedTx, version int) error {
	if d.ExistsSQL != "" && !d.exists(tx) {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	if err := d.set(tx, version); err != nil {
		if err := d.createTable(tx); err != nil {
			return err
		}
		return d.set(tx, version)
	}
	return nil
}

func (d dbVersion) exists(tx migration.LimitedTx) bool {
	var n int
	if err := tx.QueryRow(d.ExistsSQL).Scan(&n); err != nil {
		log.Println(err.Error())
		return false
	}
	return n > 0
}

func (d dbVersion) get(tx migration.LimitedTx) (int, error) {
	var version int
	r := tx.QueryRow(d.GetSQL)
	if err := r.Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (d dbVersion) set(tx migration.LimitedTx, version int) error {
	_, err := tx.Exec(d.SetSQL, version)
	return err
}

func (d dbVersion) createTable(tx migration.LimitedTx) error {
	_, err := tx.Exec(d.CreateSQL)
	if err == nil {
		err = d.set(tx, 0)
	}
	return err
}

// execlist execs each statement in turn, stopping at the first error. The
// MySQL driver does not take compound statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
