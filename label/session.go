package label

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
)

// ErrNotSession means the record's file index is not a session marker.
var ErrNotSession = errors.New("record is not a session label")

// Session brackets the records one job writes on one volume. The end of
// session label also carries the job's final counters.
type Session struct {
	ID        string
	VerNum    uint32
	JobID     uint32
	WriteTime time.Time

	PoolName    string
	PoolType    string
	JobName     string // base job name
	ClientName  string
	Job         string // unique job name
	FileSetName string
	JobType     uint32
	JobLevel    uint32
	FileSetMD5  string

	// Only in end of session labels.
	JobFiles   uint32
	JobBytes   uint64
	StartBlock uint32
	EndBlock   uint32
	StartFile  uint32
	EndFile    uint32
	JobErrors  uint32
	JobStatus  uint32
}

// JobStatusTerminated is assumed for end of session labels too old to carry
// a job status.
const JobStatusTerminated = 'T'

// Marshal serializes the session label for a record with file index kind,
// which must be block.StartOfSession or block.EndOfSession.
func (s *Session) Marshal(kind int32, now time.Time) ([]byte, error) {
	if kind != block.StartOfSession && kind != block.EndOfSession {
		return nil, errors.Wrapf(ErrNotSession, "got %s", block.LabelName(kind))
	}
	s.ID = ID
	s.VerNum = Version
	s.WriteTime = now
	var e encoder
	e.string(s.ID)
	e.uint32(s.VerNum)
	e.uint32(s.JobID)
	e.btime(s.WriteTime)
	e.float64(0)
	e.string(s.PoolName)
	e.string(s.PoolType)
	e.string(s.JobName)
	e.string(s.ClientName)
	e.string(s.Job)
	e.string(s.FileSetName)
	e.uint32(s.JobType)
	e.uint32(s.JobLevel)
	e.string(s.FileSetMD5)
	if kind == block.EndOfSession {
		e.uint32(s.JobFiles)
		e.uint64(s.JobBytes)
		e.uint32(s.StartBlock)
		e.uint32(s.EndBlock)
		e.uint32(s.StartFile)
		e.uint32(s.EndFile)
		e.uint32(s.JobErrors)
		e.uint32(s.JobStatus)
	}
	return e.Bytes(), nil
}

// UnmarshalSession decodes a session label held in a record with the given
// file index. Fields added in later versions are left zero on older labels.
func UnmarshalSession(fileIndex int32, p []byte) (*Session, error) {
	if fileIndex != block.StartOfSession && fileIndex != block.EndOfSession {
		return nil, errors.Wrapf(ErrNotSession, "got %s", block.LabelName(fileIndex))
	}
	s := &Session{}
	d := decoder{p: p}
	s.ID = d.string()
	s.VerNum = d.uint32()
	s.JobID = d.uint32()
	if s.VerNum >= Version {
		s.WriteTime = d.btime()
		d.float64()
	} else {
		day := d.float64()
		s.WriteTime = fromJulian(day, d.float64())
	}
	s.PoolName = d.string()
	s.PoolType = d.string()
	s.JobName = d.string()
	s.ClientName = d.string()
	if s.VerNum >= OldVersion1 {
		s.Job = d.string()
		s.FileSetName = d.string()
		s.JobType = d.uint32()
		s.JobLevel = d.uint32()
	}
	if s.VerNum >= Version {
		s.FileSetMD5 = d.string()
	}
	if fileIndex == block.EndOfSession {
		s.JobFiles = d.uint32()
		s.JobBytes = d.uint64()
		s.StartBlock = d.uint32()
		s.EndBlock = d.uint32()
		s.StartFile = d.uint32()
		s.EndFile = d.uint32()
		s.JobErrors = d.uint32()
		if s.VerNum >= Version {
			s.JobStatus = d.uint32()
		} else {
			s.JobStatus = JobStatusTerminated
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if s.ID != ID && s.ID != OldID {
		return nil, errors.Wrapf(ErrBadID, "got %q", s.ID)
	}
	return s, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("session job=%d %q pool=%q files=%d bytes=%d",
		s.JobID, s.Job, s.PoolName, s.JobFiles, s.JobBytes)
}
