package catalog

import (
	"context"
	"database/sql"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/device"
)

// A dialect holds what differs between the SQL of MySQL and QL.
type dialect struct {
	param func(i int) string // placeholder for the ith parameter, from 1
	eq    string             // equality operator
}

var (
	mysqlDialect = dialect{
		param: func(int) string { return "?" },
		eq:    "=",
	}
	qlDialect = dialect{
		param: func(i int) string { return "?" + strconv.Itoa(i) },
		eq:    "==",
	}
)

var mediaColumns = []string{
	"volname", "pool", "pooltype", "mediatype", "volstatus",
	"slot", "inchanger", "recycle",
	"voljobs", "volfiles", "volblocks", "volbytes", "volmounts",
	"volerrors", "volwrites", "volreads", "volrbytes", "volrecycles",
	"maxjobs", "maxfiles", "maxbytes", "capacity",
	"endfile", "endblock", "labeltype",
	"labeldate", "firstwritten", "lastwritten",
}

var jobMediaColumns = []string{
	"jobid", "volname", "volindex", "firstindex", "lastindex",
	"startfile", "endfile", "startblock", "endblock",
}

var poolColumns = []string{
	"name", "pooltype", "labelformat", "maxjobs", "maxbytes", "recycle",
}

type queries struct {
	getMedia, mediaByStatus, mediaByPool, allMedia string
	insertMedia, updateMedia                        string
	insertJobMedia, jobMediaByJob                   string
	getPool, insertPool, updatePool                 string
}

func (d dialect) where(col string, i int) string {
	return col + " " + d.eq + " " + d.param(i)
}

func (d dialect) params(n int) string {
	p := make([]string, n)
	for i := range p {
		p[i] = d.param(i + 1)
	}
	return strings.Join(p, ", ")
}

// assignments returns "c1 = ?1, c2 = ?2..." for the columns after the
// first, which is used as the key.
func (d dialect) assignments(cols []string) string {
	a := make([]string, len(cols)-1)
	for i, c := range cols[1:] {
		a[i] = c + " = " + d.param(i+1)
	}
	return strings.Join(a, ", ")
}

func (d dialect) queries() *queries {
	media := strings.Join(mediaColumns, ", ")
	jm := strings.Join(jobMediaColumns, ", ")
	pools := strings.Join(poolColumns, ", ")
	return &queries{
		getMedia: "SELECT " + media + " FROM media WHERE " + d.where("volname", 1),
		mediaByStatus: "SELECT " + media + " FROM media WHERE " + d.where("pool", 1) +
			" AND " + d.where("mediatype", 2) + " AND " + d.where("volstatus", 3) +
			" ORDER BY volname",
		mediaByPool: "SELECT " + media + " FROM media WHERE " + d.where("pool", 1) + " ORDER BY volname",
		allMedia:    "SELECT " + media + " FROM media ORDER BY volname",
		insertMedia: "INSERT INTO media (" + media + ") VALUES (" + d.params(len(mediaColumns)) + ")",
		updateMedia: "UPDATE media SET " + d.assignments(mediaColumns) +
			" WHERE " + d.where("volname", len(mediaColumns)),
		insertJobMedia: "INSERT INTO jobmedia (" + jm + ") VALUES (" + d.params(len(jobMediaColumns)) + ")",
		jobMediaByJob: "SELECT " + jm + " FROM jobmedia WHERE " + d.where("jobid", 1) +
			" ORDER BY volindex, startfile, startblock",
		getPool:    "SELECT " + pools + " FROM pools WHERE " + d.where("name", 1),
		insertPool: "INSERT INTO pools (" + pools + ") VALUES (" + d.params(len(poolColumns)) + ")",
		updatePool: "UPDATE pools SET " + d.assignments(poolColumns) +
			" WHERE " + d.where("name", len(poolColumns)),
	}
}

// sqlCatalog implements Catalog over database/sql.
type sqlCatalog struct {
	db  *sql.DB
	q   *queries
	now func() time.Time
}

var _ Catalog = &sqlCatalog{}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanVolume(row scanner) (*device.VolumeInfo, error) {
	v := new(device.VolumeInfo)
	var labeled, first, last mysql.NullTime
	err := row.Scan(
		&v.VolCatName, &v.PoolName, &v.PoolType, &v.MediaType, &v.VolCatStatus,
		&v.Slot, &v.InChanger, &v.Recycle,
		&v.VolCatJobs, &v.VolCatFiles, &v.VolCatBlocks, &v.VolCatBytes, &v.VolCatMounts,
		&v.VolCatErrors, &v.VolCatWrites, &v.VolCatReads, &v.VolCatRBytes, &v.VolCatRecycles,
		&v.VolCatMaxJobs, &v.VolCatMaxFiles, &v.VolCatMaxBytes, &v.VolCatCapacityBytes,
		&v.EndFile, &v.EndBlock, &v.LabelType,
		&labeled, &first, &last)
	if err != nil {
		return nil, err
	}
	v.LabelDate = labeled.Time
	v.FirstWritten = first.Time
	v.LastWritten = last.Time
	return v, nil
}

// nullTime stores zero times as NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// volumeArgs lists the column values of v, key first.
func volumeArgs(v *device.VolumeInfo) []interface{} {
	return []interface{}{
		v.VolCatName, v.PoolName, v.PoolType, v.MediaType, v.VolCatStatus,
		int64(v.Slot), v.InChanger, v.Recycle,
		int64(v.VolCatJobs), int64(v.VolCatFiles), int64(v.VolCatBlocks), int64(v.VolCatBytes), int64(v.VolCatMounts),
		int64(v.VolCatErrors), int64(v.VolCatWrites), int64(v.VolCatReads), int64(v.VolCatRBytes), int64(v.VolCatRecycles),
		int64(v.VolCatMaxJobs), int64(v.VolCatMaxFiles), int64(v.VolCatMaxBytes), int64(v.VolCatCapacityBytes),
		int64(v.EndFile), int64(v.EndBlock), int64(v.LabelType),
		nullTime(v.LabelDate), nullTime(v.FirstWritten), nullTime(v.LastWritten),
	}
}

// keyLast moves the first argument to the end, for UPDATE statements.
func keyLast(args []interface{}) []interface{} {
	return append(args[1:len(args):len(args)], args[0])
}

func (s *sqlCatalog) GetVolumeInfo(ctx context.Context, name string) (*device.VolumeInfo, error) {
	v, err := scanVolume(s.db.QueryRowContext(ctx, s.q.getMedia, name))
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "volume %s", name)
	} else if err != nil {
		return nil, errors.Wrapf(err, "volume %s", name)
	}
	return v, nil
}

func (s *sqlCatalog) queryVolumes(ctx context.Context, query string, args ...interface{}) ([]*device.VolumeInfo, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*device.VolumeInfo
	for rows.Next() {
		v, err := scanVolume(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *sqlCatalog) byStatus(ctx context.Context, pool, mediaType, status string) ([]*device.VolumeInfo, error) {
	return s.queryVolumes(ctx, s.q.mediaByStatus, pool, mediaType, status)
}

func (s *sqlCatalog) ListVolumes(ctx context.Context, pool string) ([]*device.VolumeInfo, error) {
	if pool == "" {
		return s.queryVolumes(ctx, s.q.allMedia)
	}
	return s.queryVolumes(ctx, s.q.mediaByPool, pool)
}

func (s *sqlCatalog) CreateVolume(ctx context.Context, info *device.VolumeInfo) error {
	if info.VolCatName == "" {
		return errors.New("catalog: volume has no name")
	}
	_, err := s.GetVolumeInfo(ctx, info.VolCatName)
	if err == nil {
		return errors.Errorf("catalog: volume %s already exists", info.VolCatName)
	} else if errors.Cause(err) != ErrNotFound {
		return err
	}
	_, err = performExec(ctx, s.db, s.q.insertMedia, volumeArgs(info)...)
	return errors.Wrapf(err, "create volume %s", info.VolCatName)
}

func (s *sqlCatalog) UpdateVolumeInfo(ctx context.Context, info *device.VolumeInfo, label bool) error {
	stamp(info, label, s.now())
	result, err := performExec(ctx, s.db, s.q.updateMedia, keyLast(volumeArgs(info))...)
	if err != nil {
		return errors.Wrapf(err, "update volume %s", info.VolCatName)
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		return errors.Wrapf(ErrNotFound, "volume %s", info.VolCatName)
	}
	return nil
}

func (s *sqlCatalog) CreateJobMedia(ctx context.Context, jm JobMedia) error {
	_, err := performExec(ctx, s.db, s.q.insertJobMedia,
		int64(jm.JobID), jm.VolumeName, int64(jm.VolIndex), int64(jm.FirstIndex), int64(jm.LastIndex),
		int64(jm.StartFile), int64(jm.EndFile), int64(jm.StartBlock), int64(jm.EndBlock))
	return errors.Wrapf(err, "job media for job %d", jm.JobID)
}

func (s *sqlCatalog) ListJobMedia(ctx context.Context, jobID uint32) ([]JobMedia, error) {
	rows, err := s.db.QueryContext(ctx, s.q.jobMediaByJob, int64(jobID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []JobMedia
	for rows.Next() {
		var jm JobMedia
		err := rows.Scan(&jm.JobID, &jm.VolumeName, &jm.VolIndex, &jm.FirstIndex, &jm.LastIndex,
			&jm.StartFile, &jm.EndFile, &jm.StartBlock, &jm.EndBlock)
		if err != nil {
			return nil, err
		}
		result = append(result, jm)
	}
	return result, rows.Err()
}

func poolArgs(p Pool) []interface{} {
	return []interface{}{p.Name, p.PoolType, p.LabelFormat, int64(p.MaxVolumeJobs), int64(p.MaxVolumeBytes), p.Recycle}
}

// SetPool creates or replaces a pool record.
func (s *sqlCatalog) SetPool(ctx context.Context, p Pool) error {
	result, err := performExec(ctx, s.db, s.q.updatePool, keyLast(poolArgs(p))...)
	if err != nil {
		return errors.Wrapf(err, "pool %s", p.Name)
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = performExec(ctx, s.db, s.q.insertPool, poolArgs(p)...)
	}
	return errors.Wrapf(err, "pool %s", p.Name)
}

func (s *sqlCatalog) GetPool(ctx context.Context, name string) (*Pool, error) {
	p := new(Pool)
	err := s.db.QueryRowContext(ctx, s.q.getPool, name).Scan(
		&p.Name, &p.PoolType, &p.LabelFormat, &p.MaxVolumeJobs, &p.MaxVolumeBytes, &p.Recycle)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(ErrNotFound, "pool %s", name)
	} else if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *sqlCatalog) Close() error {
	return s.db.Close()
}

// performExec runs one statement in its own transaction. QL needs every
// change to happen inside one.
func performExec(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	if err != nil {
		log.Println("catalog commit:", err.Error())
	}
	return result, err
}

// FindNextAppendableVolume picks a volume of the pool with the media type.
// Volumes over their job or byte limits are marked Used or Full on the way.
func (s *sqlCatalog) FindNextAppendableVolume(ctx context.Context, req VolumeRequest) (*device.VolumeInfo, error) {
	skip := func(v *device.VolumeInfo) bool {
		return req.Exclude != nil && req.Exclude(v.VolCatName)
	}

	vols, err := s.byStatus(ctx, req.Pool, req.MediaType, device.StatusAppend)
	if err != nil {
		return nil, err
	}
	for _, v := range vols {
		if skip(v) {
			continue
		}
		if status := limitStatus(v); status != "" {
			log.Printf("catalog: marking volume %s %s", v.VolCatName, status)
			v.VolCatStatus = status
			if err := s.UpdateVolumeInfo(ctx, v, false); err != nil {
				return nil, err
			}
			continue
		}
		return v, nil
	}

	pool, err := s.GetPool(ctx, req.Pool)
	if err != nil && errors.Cause(err) != ErrNotFound {
		return nil, err
	}

	for _, status := range []string{device.StatusRecycle, device.StatusPurged} {
		if status == device.StatusPurged && (pool == nil || !pool.Recycle) {
			continue
		}
		vols, err := s.byStatus(ctx, req.Pool, req.MediaType, status)
		if err != nil {
			return nil, err
		}
		for _, v := range vols {
			if skip(v) || !(v.Recycle || status == device.StatusRecycle) {
				continue
			}
			v.VolCatStatus = device.StatusRecycle
			return v, nil
		}
	}

	if pool == nil || pool.LabelFormat == "" {
		return nil, errors.Wrapf(ErrNoAppendable, "pool %s media type %s", req.Pool, req.MediaType)
	}
	return newVolume(ctx, s, pool, req)
}

