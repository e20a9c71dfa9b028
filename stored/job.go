package stored

import (
	"fmt"
	"sync"
	"time"
)

// A Job is one backup, restore or verify run using the storage daemon.
type Job struct {
	ID         uint32
	Name       string // base job name
	JobName    string // unique job name
	Client     string
	FileSet    string
	FileSetMD5 string
	JobType    uint32
	JobLevel   uint32

	Pool      string
	PoolType  string
	MediaType string

	// ReadVolumes lists the volumes a read job goes through, in order.
	ReadVolumes []string
	curVolume   int

	VolSessionID   uint32
	VolSessionTime uint32

	// Heartbeat, if set, is called while the job waits so the connection
	// to the director is kept alive.
	Heartbeat func()

	Messages Messages

	// guarded by the device lock of the device the job uses
	LabelErrors int
	JobFiles    uint32
	JobBytes    uint64
	JobErrors   uint32
	JobStatus   uint32
}

func (j *Job) heartbeat() {
	if j.Heartbeat != nil {
		j.Heartbeat()
	}
}

func (j *Job) String() string {
	if j.JobName != "" {
		return j.JobName
	}
	return fmt.Sprintf("job %d", j.ID)
}

// A Message is an operator facing note about a job, usually why it cannot
// get a device.
type Message struct {
	Num  int
	Text string
	Time time.Time
}

// Messages holds a job's messages, at most one per message number.
type Messages struct {
	m    sync.Mutex
	list []Message
}

// Add queues a message unless one with the same number is already there.
// A num of 0 is always added.
func (ms *Messages) Add(num int, format string, args ...interface{}) {
	ms.m.Lock()
	defer ms.m.Unlock()
	if num != 0 {
		for _, m := range ms.list {
			if m.Num == num {
				return
			}
		}
	}
	text := fmt.Sprintf(format, args...)
	if num != 0 {
		text = fmt.Sprintf("%d %s", num, text)
	}
	ms.list = append(ms.list, Message{Num: num, Text: text, Time: time.Now()})
}

// Clear removes all messages.
func (ms *Messages) Clear() {
	ms.m.Lock()
	ms.list = nil
	ms.m.Unlock()
}

// List returns a copy of the messages in the order they were added.
func (ms *Messages) List() []Message {
	ms.m.Lock()
	defer ms.m.Unlock()
	return append([]Message(nil), ms.list...)
}
