// Package devmapper is a user-space client for the Linux device-mapper
// control interface. It speaks the binary ioctl protocol on
// /dev/mapper/control directly, with no dependency on libdevmapper: one
// method per kernel command, typed identifiers, and structured errors.
//
// The client is stateless apart from the open control descriptor. Every
// method is one ioctl round-trip; the kernel is the only source of truth
// about device state.
package devmapper

import (
	"os"

	"github.com/blkmapper/devmapper/internal/ctrl"
	"github.com/blkmapper/devmapper/internal/logging"
	"github.com/blkmapper/devmapper/internal/uapi"
)

// channel is the control-channel surface DM needs. Satisfied by
// *ctrl.Channel; narrowed to an interface so command construction can be
// tested without a kernel.
type channel interface {
	Execute(cmd uint32, hdr *uapi.Ioctl, payload []byte) ([]byte, error)
	File() *os.File
	Close() error
}

// DM is a handle on the device-mapper control interface. It is safe for
// concurrent use; each method is an independent round-trip and the kernel
// serializes the actual table manipulation. Multi-step sequences such as
// load-then-resume are not atomic and need external coordination if other
// writers exist.
type DM struct {
	ch      channel
	logger  *logging.Logger
	metrics *Metrics
}

// Option configures a DM handle.
type Option func(*options)

type options struct {
	path   string
	logger *logging.Logger
}

// WithLogger routes the handle's logging through logger instead of the
// package default.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithControlPath opens the control node at path instead of
// /dev/mapper/control. Useful under test harnesses and chroots.
func WithControlPath(path string) Option {
	return func(o *options) {
		o.path = path
	}
}

// New opens the control device and returns a handle. Opening the node is
// the only construction step that can fail; it requires CAP_SYS_ADMIN.
func New(opts ...Option) (*DM, error) {
	o := &options{
		path:   ctrl.ControlPath,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}

	ch, err := ctrl.OpenPath(o.path)
	if err != nil {
		return nil, &Error{Op: "open", Code: ErrCodeContextInit, Msg: err.Error(), Inner: err}
	}

	m := NewMetrics()
	ch.SetLogger(o.logger)
	ch.SetRecorder(m)

	return &DM{ch: ch, logger: o.logger, metrics: m}, nil
}

// Close releases the control descriptor. The handle must not be used
// afterwards.
func (dm *DM) Close() error {
	return dm.ch.Close()
}

// File returns the open control file. Its descriptor is pollable: readiness
// signals a device event, and polling must be re-armed with ArmPoll after
// each notification.
func (dm *DM) File() *os.File {
	return dm.ch.File()
}

// Metrics returns the handle's control-channel statistics.
func (dm *DM) Metrics() *Metrics {
	return dm.metrics
}

// newHdr builds a request header carrying the client protocol version and
// the given flag word. The kernel rejects a non-matching major version and
// reports its own version back in the reply, so minor-version feature
// probing works off the mutated header.
func newHdr(flags DmFlags) uapi.Ioctl {
	return uapi.Ioctl{
		Version:   [3]uint32{uapi.DM_VERSION_MAJOR, uapi.DM_VERSION_MINOR, uapi.DM_VERSION_PATCHLEVEL},
		DataStart: uapi.SizeofIoctl,
		Flags:     uint32(flags),
	}
}

// setDevID stamps the addressed identifier into the header. Name and uuid
// are mutually exclusive by construction of DevID.
func setDevID(hdr *uapi.Ioctl, id DevID) {
	switch v := id.(type) {
	case Name:
		hdr.SetName(string(v))
	case UUID:
		hdr.SetUUID(string(v))
	}
}

// execute runs one command with operation-level logging and error wrapping.
func (dm *DM) execute(cmd uint32, hdr *uapi.Ioctl, payload []byte) ([]byte, error) {
	op := commandName(cmd)
	dm.logger.CommandStart(op)
	data, err := dm.ch.Execute(cmd, hdr, payload)
	if err != nil {
		werr := wrapIoctl(op, err)
		dm.logger.CommandError(op, werr)
		return nil, werr
	}
	dm.logger.CommandDone(op)
	return data, nil
}

// Version reports the kernel's device-mapper protocol version.
func (dm *DM) Version() (major, minor, patch uint32, err error) {
	hdr := newHdr(0)
	if _, err := dm.execute(uapi.DM_VERSION_CMD, &hdr, nil); err != nil {
		return 0, 0, 0, err
	}
	return hdr.Version[0], hdr.Version[1], hdr.Version[2], nil
}

// RemoveAll destroys every device-mapper device on the system along with
// their tables. Intended for test cleanup; do not run it on machines with
// devices you care about.
//
// Accepted flags: DmDeferredRemove.
func (dm *DM) RemoveAll(flags DmFlags) error {
	hdr := newHdr(flags & DmDeferredRemove)
	_, err := dm.execute(uapi.DM_REMOVE_ALL_CMD, &hdr, nil)
	return err
}

// ListDevices returns the name, device number, and (on kernels that report
// it) last event number of every device-mapper device.
func (dm *DM) ListDevices() ([]DeviceEntry, error) {
	hdr := newHdr(0)
	data, err := dm.execute(uapi.DM_LIST_DEVICES_CMD, &hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseNameList(hdr.Version[1], data), nil
}

// DeviceCreate registers a new device-mapper device under name. The uuid,
// if non-empty, is attached permanently; it can be assigned later by rename
// but never changed or removed once set. The new device has no table until
// one is loaded and resumed.
//
// Accepted flags: DmReadOnly, DmPersistentDev.
func (dm *DM) DeviceCreate(name Name, uuid UUID, flags DmFlags) (*DeviceInfo, error) {
	hdr := newHdr(flags & (DmReadOnly | DmPersistentDev))
	hdr.SetName(string(name))
	if uuid != "" {
		hdr.SetUUID(string(uuid))
	}
	if _, err := dm.execute(uapi.DM_DEV_CREATE_CMD, &hdr, nil); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// DeviceRemove destroys the device addressed by id and its tables. The
// kernel refuses while the device is open unless DmDeferredRemove is passed,
// in which case removal happens on last close.
//
// Accepted flags: DmDeferredRemove.
func (dm *DM) DeviceRemove(id DevID, flags DmFlags) (*DeviceInfo, error) {
	hdr := newHdr(flags & DmDeferredRemove)
	setDevID(&hdr, id)
	if _, err := dm.execute(uapi.DM_DEV_REMOVE_CMD, &hdr, nil); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// DeviceRenameName changes the name of the device addressed by id. Renaming
// a device to its current name is rejected by the kernel. The returned info
// carries the identity as it was before the rename; the kernel fills the
// reply header from the request.
func (dm *DM) DeviceRenameName(id DevID, newName Name) (*DeviceInfo, error) {
	return dm.rename(id, string(newName), 0)
}

// DeviceRenameUUID assigns a uuid to a device that has none. A device's
// uuid can be set exactly once; re-assigning or clearing it is rejected by
// the kernel. As with DeviceRenameName the returned info reflects the
// pre-rename identity.
func (dm *DM) DeviceRenameUUID(id DevID, newUUID UUID) (*DeviceInfo, error) {
	return dm.rename(id, string(newUUID), DmUUID)
}

func (dm *DM) rename(id DevID, newID string, flags DmFlags) (*DeviceInfo, error) {
	hdr := newHdr(flags)
	setDevID(&hdr, id)

	payload := make([]byte, len(newID)+1)
	copy(payload, newID)

	if _, err := dm.execute(uapi.DM_DEV_RENAME_CMD, &hdr, payload); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// DeviceSuspend suspends or resumes the device addressed by id: with
// DmSuspend set, queued I/O is held and new I/O blocked; without it, the
// device resumes and any inactive table is swapped in as the active table.
// Resume after a table load is what makes the new table live.
//
// Accepted flags: DmSuspend, DmNoFlush, DmSkipLockFS.
func (dm *DM) DeviceSuspend(id DevID, flags DmFlags) (*DeviceInfo, error) {
	hdr := newHdr(flags & (DmSuspend | DmNoFlush | DmSkipLockFS))
	setDevID(&hdr, id)
	if _, err := dm.execute(uapi.DM_DEV_SUSPEND_CMD, &hdr, nil); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// DeviceInfo returns the current state of the device addressed by id:
// device number, open count, suspension, and table presence.
func (dm *DM) DeviceInfo(id DevID) (*DeviceInfo, error) {
	hdr := newHdr(0)
	setDevID(&hdr, id)
	if _, err := dm.execute(uapi.DM_DEV_STATUS_CMD, &hdr, nil); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// DeviceWait blocks until the next event on the device addressed by id,
// then returns its state and table the same way TableStatus does. An event
// is any table change or target-raised notification. There is no timeout at
// this layer; use the pollable control descriptor for bounded waits.
//
// Accepted flags: DmQueryInactiveTable.
func (dm *DM) DeviceWait(id DevID, flags DmFlags) (*DeviceInfo, []TargetLine, error) {
	hdr := newHdr(flags & DmQueryInactiveTable)
	setDevID(&hdr, id)
	data, err := dm.execute(uapi.DM_DEV_WAIT_CMD, &hdr, nil)
	if err != nil {
		return nil, nil, err
	}
	return newDeviceInfo(&hdr), parseTableStatus(hdr.TargetCount, data), nil
}

// TableLoad stages targets as the inactive table of the device addressed by
// id. The table does not affect I/O until the device is resumed. Loading
// again before resume replaces the staged table.
func (dm *DM) TableLoad(id DevID, targets []TargetLine) (*DeviceInfo, error) {
	payload, err := marshalTable(targets)
	if err != nil {
		return nil, err
	}

	hdr := newHdr(0)
	setDevID(&hdr, id)
	hdr.TargetCount = uint32(len(targets))

	if _, err := dm.execute(uapi.DM_TABLE_LOAD_CMD, &hdr, payload); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// marshalTable packs table rows for loading. Each row is a fixed 40-byte
// prefix followed by the parameter string, null-terminated and padded to an
// 8-byte boundary; the prefix's next field is the relative offset of the
// following row.
func marshalTable(targets []TargetLine) ([]byte, error) {
	var payload []byte
	for _, t := range targets {
		if _, err := NewTargetType(string(t.Type)); err != nil {
			return nil, err
		}

		padded := uapi.AlignTo(len(t.Params)+1, 8)
		spec := uapi.TargetSpec{
			SectorStart: uint64(t.Start),
			Length:      uint64(t.Length),
			Next:        uint32(uapi.SizeofTargetSpec + padded),
		}
		copy(spec.TargetType[:], t.Type)

		payload = append(payload, uapi.MarshalTargetSpec(&spec)...)
		payload = append(payload, t.Params...)
		payload = append(payload, make([]byte, padded-len(t.Params))...)
	}
	return payload, nil
}

// TableClear discards the inactive table of the device addressed by id.
func (dm *DM) TableClear(id DevID) (*DeviceInfo, error) {
	hdr := newHdr(0)
	setDevID(&hdr, id)
	if _, err := dm.execute(uapi.DM_TABLE_CLEAR_CMD, &hdr, nil); err != nil {
		return nil, err
	}
	return newDeviceInfo(&hdr), nil
}

// TableDeps lists the block devices referenced by the table of the device
// addressed by id. A device with no table has no dependencies.
//
// Accepted flags: DmQueryInactiveTable.
func (dm *DM) TableDeps(id DevID, flags DmFlags) ([]Device, error) {
	hdr := newHdr(flags & DmQueryInactiveTable)
	setDevID(&hdr, id)
	data, err := dm.execute(uapi.DM_TABLE_DEPS_CMD, &hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseDeps(data), nil
}

// TableStatus returns the table of the device addressed by id, row by row.
// With DmStatusTable set the rows carry the table parameters as loaded;
// without it they carry each target's runtime status in the same positions.
//
// Accepted flags: DmNoFlush, DmStatusTable, DmQueryInactiveTable.
func (dm *DM) TableStatus(id DevID, flags DmFlags) (*DeviceInfo, []TargetLine, error) {
	hdr := newHdr(flags & (DmNoFlush | DmStatusTable | DmQueryInactiveTable))
	setDevID(&hdr, id)
	data, err := dm.execute(uapi.DM_TABLE_STATUS_CMD, &hdr, nil)
	if err != nil {
		return nil, nil, err
	}
	return newDeviceInfo(&hdr), parseTableStatus(hdr.TargetCount, data), nil
}

// ListVersions reports every target type loaded in the kernel with its
// version triple.
func (dm *DM) ListVersions() ([]TargetVersion, error) {
	hdr := newHdr(0)
	data, err := dm.execute(uapi.DM_LIST_VERSIONS_CMD, &hdr, nil)
	if err != nil {
		return nil, err
	}
	return parseVersions(data), nil
}

// TargetMsg delivers a message string to a target of the device addressed
// by id. With sector nil the message goes to the whole device; otherwise it
// is routed to the target mapping that sector. Some messages generate a
// reply, returned as a non-nil string.
func (dm *DM) TargetMsg(id DevID, sector *Sectors, msg string) (*DeviceInfo, *string, error) {
	hdr := newHdr(0)
	setDevID(&hdr, id)

	tm := uapi.TargetMsg{}
	if sector != nil {
		tm.Sector = uint64(*sector)
	}
	payload := uapi.MarshalTargetMsg(&tm)
	payload = append(payload, msg...)
	payload = append(payload, 0)

	data, err := dm.execute(uapi.DM_TARGET_MSG_CMD, &hdr, payload)
	if err != nil {
		return nil, nil, err
	}

	info := newDeviceInfo(&hdr)
	if info.Flags.Has(DmDataOut) && len(data) > 0 {
		out := decodeString(uapi.TrimNull(data))
		return info, &out, nil
	}
	return info, nil, nil
}

// ArmPoll re-arms event notification on the control descriptor. After the
// descriptor polls readable, call ArmPoll before waiting again or the next
// wait returns immediately.
func (dm *DM) ArmPoll() error {
	hdr := newHdr(0)
	_, err := dm.execute(uapi.DM_DEV_ARM_POLL_CMD, &hdr, nil)
	return err
}
