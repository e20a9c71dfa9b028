package stored

import (
	"context"
	"fmt"
	"log"
	"os"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

// LabelStatus is the outcome of reading a volume label.
type LabelStatus int

const (
	LabelOK LabelStatus = iota
	LabelNoMedia
	LabelIOError
	LabelNoLabel
	LabelNameError
	LabelVersionError
	LabelTypeError
)

var labelStatusNames = [...]string{
	"ok",
	"no media",
	"I/O error",
	"no label",
	"wrong volume",
	"unsupported label version",
	"not a volume label",
}

func (s LabelStatus) String() string {
	if s < 0 || int(s) >= len(labelStatusNames) {
		return fmt.Sprintf("label status %d", int(s))
	}
	return labelStatusNames[s]
}

// MaxLabelErrors is how many wrong volumes a job may be given before the
// next one ends the job.
const MaxLabelErrors = 100

// ProgVersion is written into the volume labels this program makes.
var ProgVersion = "1.0"

const labelProgram = "tapestore"

// ReadVolumeLabel reads the label of the medium in the device and checks it
// names dcr.VolumeName. An empty name or "*" accepts any volume. A device
// already holding a validated label for that volume is not read again.
// The device is left rewound. The device lock must be held.
func (dcr *DCR) ReadVolumeLabel(ctx context.Context) (LabelStatus, error) {
	dev := dcr.Dev
	want := dcr.VolumeName
	if dev.IsLabeled() && dev.VolHdr.MatchesName(want) {
		return LabelOK, nil
	}
	dcr.reg.Stats.BumpSum("label.reads", 1)
	if !dev.IsOpen() {
		if err := dev.Open(want, device.ModeReadOnly); err != nil {
			return LabelNoMedia, err
		}
	}
	dev.ClearLabeled()
	dev.ClearAppend()
	dev.ClearRead()
	dev.VolHdr = label.Volume{}
	if err := dev.Rewind(); err != nil {
		return LabelNoMedia, err
	}

	if dev.IsTape() && (dev.LabelType != label.Native || dcr.VolCatInfo.LabelType != label.Native) {
		kind, name, err := label.ReadANSI(dev.ReadRaw, want)
		switch errors.Cause(err) {
		case nil:
			dev.LabelKind = kind
		case label.ErrNoANSILabel:
			if err := dev.Rewind(); err != nil {
				return LabelIOError, err
			}
		case label.ErrANSIName:
			dev.Rewind()
			return dcr.labelError(LabelNameError, "wanted volume %s on %s, the ANSI label names %s", want, dev, name)
		default:
			dev.Rewind()
			return LabelTypeError, errors.Wrapf(err, "device %s", dev.Name)
		}
	}

	if err := dev.ReadBlock(dcr.Block, false); err != nil {
		dev.Rewind()
		switch errors.Cause(err) {
		case device.ErrEndOfFile, device.ErrEndOfTape,
			block.ErrBadID, block.ErrChecksum, block.ErrInsaneLength, block.ErrShortBlock:
			return LabelNoLabel, errors.Wrapf(err, "volume on %s has no label", dev)
		}
		return LabelIOError, err
	}
	rec := dcr.Rec
	rec.Reset()
	if !block.ReadRecord(dcr.Block, rec) || rec.Flags&block.PartialRecord != 0 {
		dcr.Block.Empty()
		dev.Rewind()
		return LabelNoLabel, errors.Errorf("volume on %s has no label record", dev)
	}
	vol, err := label.UnmarshalVolume(rec.FileIndex, rec.Data)
	rec.Reset()
	dcr.Block.Empty()
	if err != nil {
		dev.Rewind()
		return LabelTypeError, errors.Wrapf(err, "volume on %s", dev)
	}
	if err := vol.Check(); err != nil {
		dev.Rewind()
		if errors.Cause(err) == label.ErrVersion {
			return LabelVersionError, errors.Wrapf(err, "volume %s on %s", vol.VolumeName, dev)
		}
		return LabelNoLabel, errors.Wrapf(err, "volume on %s", dev)
	}
	dev.VolHdr = *vol
	dev.SetLabeled()
	if err := dev.Rewind(); err != nil {
		return LabelIOError, err
	}
	if !vol.MatchesName(want) {
		return dcr.labelError(LabelNameError, "wanted volume %s on %s, got %s", want, dev, vol.VolumeName)
	}
	if !dcr.reg.reserveVolume(vol.VolumeName, dev) {
		return LabelNameError, errors.Wrapf(ErrWrongVolume, "volume %s on %s is in use on another device", vol.VolumeName, dev)
	}
	log.Printf("device %s: found volume %s (%s)", dev.Name, vol.VolumeName, block.LabelName(vol.LabelType))
	return LabelOK, nil
}

// labelError counts a wrong volume against the job. Too many make the
// error fatal.
func (dcr *DCR) labelError(status LabelStatus, format string, args ...interface{}) (LabelStatus, error) {
	job := dcr.Job
	job.LabelErrors++
	dcr.reg.Stats.BumpSum("label.errors", 1)
	msg := fmt.Sprintf(format, args...)
	if job.LabelErrors > MaxLabelErrors {
		return status, fatal(errors.Wrapf(ErrTooManyTries, "%d label errors, last: %s", job.LabelErrors, msg))
	}
	return status, errors.Wrap(ErrWrongVolume, msg)
}

// WriteNewVolumeLabel puts a fresh pre-label for volume on the medium,
// after any interchange labels the device wants. With relabel the medium
// is expected to hold an old volume. The label is not trusted until read
// back, so the device is left unlabeled and the catalog is not touched.
// The device lock must be held.
func (dcr *DCR) WriteNewVolumeLabel(volume string, relabel bool) error {
	dev := dcr.Dev
	unblock := dcr.block(device.WritingLabel)
	defer unblock()

	if err := dev.Open(volume, device.ModeCreateReadWrite); err != nil {
		return err
	}
	dev.ClearVolume()
	if err := dev.Rewind(); err != nil {
		return err
	}
	// old data past a new label would be found at end of data
	if err := dev.Truncate(); err != nil {
		return err
	}
	dev.SetAppend()
	defer dev.ClearAppend()
	if err := dcr.writeANSILabels(volume); err != nil {
		return err
	}
	dev.SetNextBlockNumber(0)
	vol := label.NewVolume(volume, dcr.Pool, dcr.PoolType, dcr.MediaType)
	if err := dcr.writeLabelBlock(vol); err != nil {
		return err
	}
	if err := dev.WEOF(1); err != nil {
		return err
	}
	dev.VolHdr = *vol
	dcr.reg.freeVolume(dev)
	dcr.reg.reserveVolume(volume, dev)
	dcr.reg.Stats.BumpSum("label.writes", 1)
	if relabel {
		log.Printf("device %s: relabeled volume %s", dev.Name, volume)
	} else {
		log.Printf("device %s: wrote label for new volume %s", dev.Name, volume)
	}
	return nil
}

// writeANSILabels writes VOL1, HDR1 and HDR2 and a filemark on tapes
// configured for interchange labels.
func (dcr *DCR) writeANSILabels(volume string) error {
	dev := dcr.Dev
	if !dev.IsTape() || dev.LabelType == label.Native {
		return nil
	}
	vol1, err := label.VOL1(dev.LabelType, volume)
	if err != nil {
		return err
	}
	hdr1, hdr2, err := label.Headers(dev.LabelType, label.SectionHDR, volume, dcr.reg.Clock.Now())
	if err != nil {
		return err
	}
	for _, p := range [][]byte{vol1, hdr1, hdr2} {
		if err := dev.WriteRaw(p); err != nil {
			return errors.Wrapf(err, "writing ANSI label on %s", dev)
		}
	}
	dev.LabelKind = dev.LabelType
	return dev.WEOF(1)
}

// writeLabelBlock writes a block holding only the volume label.
func (dcr *DCR) writeLabelBlock(vol *label.Volume) error {
	if vol.HostName == "" {
		vol.HostName, _ = os.Hostname()
	}
	vol.LabelProg = labelProgram
	vol.ProgVersion = ProgVersion
	data, err := vol.Marshal(dcr.reg.Clock.Now())
	if err != nil {
		return err
	}
	b := dcr.Block
	b.Empty()
	rec := &block.Record{
		VolSessionID:   dcr.Job.VolSessionID,
		VolSessionTime: dcr.Job.VolSessionTime,
		FileIndex:      vol.LabelType,
		Data:           data,
	}
	if !block.WriteRecord(b, rec) {
		return errors.Errorf("volume label of %d bytes does not fit in a block", len(data))
	}
	err = dcr.Dev.WriteBlock(b, nil)
	b.Empty()
	return err
}

// rewriteVolumeLabel turns the pre-label of a fresh volume, or the label of
// a volume being recycled, into the final label and resets the volume's
// counters. Writing the label is the test that the medium takes writes, so
// a failure marks the volume in error. The device lock must be held.
func (dcr *DCR) rewriteVolumeLabel(ctx context.Context, recycle bool) error {
	dev := dcr.Dev
	if err := dcr.openForAppend(dcr.VolumeName); err != nil {
		return err
	}
	now := dcr.reg.Clock.Now()
	vol := dev.VolHdr
	vol.LabelType = block.VolLabel
	vol.VolumeName = dcr.VolumeName
	vol.PoolName = dcr.Pool
	vol.PoolType = dcr.PoolType
	vol.MediaType = dcr.MediaType
	if vol.ID == "" || recycle {
		vol.ID = label.ID
		vol.VerNum = label.Version
		vol.LabelTime = now
	}

	info := &dev.VolCatInfo
	*info = dcr.VolCatInfo
	info.VolCatName = dcr.VolumeName
	info.VolCatJobs = 0
	info.VolCatFiles = 0
	info.VolCatErrors = 0
	info.VolCatBlocks = 0
	info.VolCatBytes = 0
	info.VolCatWrites = 0
	info.VolCatReads = 0
	info.VolCatRBytes = 0
	info.VolCatStatus = device.StatusAppend
	info.LabelType = dev.LabelType

	dev.SetAppend()
	if err := dev.Rewind(); err != nil {
		return err
	}
	// nothing on a file volume survives its label being rewritten
	if err := dev.Truncate(); err != nil {
		return err
	}
	if dev.IsTape() && dev.LabelType != label.Native {
		if recycle {
			if err := dcr.writeANSILabels(dcr.VolumeName); err != nil {
				return err
			}
		} else if err := dev.FSF(1); err != nil {
			return errors.Wrapf(err, "skipping ANSI labels on %s", dev)
		}
	}
	dev.SetNextBlockNumber(0)
	if err := dcr.writeLabelBlock(&vol); err != nil {
		err = errors.Wrapf(err, "unable to write label of volume %s on %s", dcr.VolumeName, dev)
		log.Println(err)
		raven.CaptureError(err, map[string]string{"device": dev.Name, "volume": dcr.VolumeName})
		info.VolCatStatus = device.StatusError
		saved := *info
		dcr.reg.Dir.UpdateVolumeInfo(ctx, &saved, false)
		dcr.VolCatInfo = saved
		return fatal(err)
	}
	dev.VolHdr = vol
	dev.SetLabeled()
	if recycle {
		info.VolCatMounts++
		info.VolCatRecycles++
	} else {
		info.VolCatMounts = 1
	}
	info.FirstWritten = now
	saved := *info
	if err := dcr.reg.Dir.UpdateVolumeInfo(ctx, &saved, true); err != nil {
		return errors.Wrapf(err, "updating catalog for volume %s", dcr.VolumeName)
	}
	dcr.VolCatInfo = *info
	if recycle {
		log.Printf("device %s: recycled volume %s", dev.Name, dcr.VolumeName)
	} else {
		log.Printf("device %s: labeled new volume %s", dev.Name, dcr.VolumeName)
	}
	dcr.reg.Stats.BumpSum("label.writes", 1)
	return nil
}

// openForAppend opens the device for writing unless it already is open
// that way on the volume.
func (dcr *DCR) openForAppend(volume string) error {
	dev := dcr.Dev
	if dev.IsOpen() && dev.OpenMode() != device.ModeReadOnly && (!dev.IsFile() || dev.OpenedVolume() == volume) {
		return nil
	}
	mode := device.ModeReadWrite
	if dev.Caps.LabelMedia {
		mode = device.ModeCreateReadWrite
	}
	return dev.Open(volume, mode)
}
