package devmapper

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/blkmapper/devmapper/internal/ctrl"
	"github.com/blkmapper/devmapper/internal/uapi"
)

func TestVersionReportsKernelTriple(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{
		mutate: func(hdr *uapi.Ioctl) {
			hdr.Version = [3]uint32{4, 48, 0}
		},
	})

	major, minor, patch, err := dm.Version()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), major)
	assert.Equal(t, uint32(48), minor)
	assert.Equal(t, uint32(0), patch)

	require.Len(t, ch.calls, 1)
	assert.Equal(t, uint32(uapi.DM_VERSION_CMD), ch.calls[0].cmd)
}

func TestHeaderCarriesProtocolVersionAndDataStart(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{})

	name, err := NewName("example-dev")
	require.NoError(t, err)
	_, err = dm.DeviceInfo(name)
	require.NoError(t, err)

	sent := ch.calls[0].hdr
	assert.Equal(t, [3]uint32{4, 30, 0}, sent.Version)
	assert.Equal(t, uint32(uapi.SizeofIoctl), sent.DataStart)
	assert.Equal(t, "example-dev", string(sent.NameBytes()))
	assert.Empty(t, sent.UUIDBytes())
}

func TestUUIDAddressingUsesUUIDField(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{})

	uuid, err := NewUUID("example-363333333333333")
	require.NoError(t, err)
	_, err = dm.DeviceInfo(uuid)
	require.NoError(t, err)

	sent := ch.calls[0].hdr
	assert.Empty(t, sent.NameBytes())
	assert.Equal(t, "example-363333333333333", string(sent.UUIDBytes()))
}

// Each operation accepts a fixed set of input flags and silently drops the
// rest. Passing an all-ones flag word must leave exactly the accepted mask.
func TestOperationsMaskInputFlags(t *testing.T) {
	all := DmFlags(0xffffffff)
	name := Name("d")

	cases := []struct {
		op   string
		cmd  uint32
		want DmFlags
		call func(dm *DM) error
	}{
		{
			op: "remove all", cmd: uapi.DM_REMOVE_ALL_CMD,
			want: DmDeferredRemove,
			call: func(dm *DM) error { return dm.RemoveAll(all) },
		},
		{
			op: "device create", cmd: uapi.DM_DEV_CREATE_CMD,
			want: DmReadOnly | DmPersistentDev,
			call: func(dm *DM) error { _, err := dm.DeviceCreate(name, "", all); return err },
		},
		{
			op: "device remove", cmd: uapi.DM_DEV_REMOVE_CMD,
			want: DmDeferredRemove,
			call: func(dm *DM) error { _, err := dm.DeviceRemove(name, all); return err },
		},
		{
			op: "device suspend", cmd: uapi.DM_DEV_SUSPEND_CMD,
			want: DmSuspend | DmNoFlush | DmSkipLockFS,
			call: func(dm *DM) error { _, err := dm.DeviceSuspend(name, all); return err },
		},
		{
			op: "device wait", cmd: uapi.DM_DEV_WAIT_CMD,
			want: DmQueryInactiveTable,
			call: func(dm *DM) error { _, _, err := dm.DeviceWait(name, all); return err },
		},
		{
			op: "table deps", cmd: uapi.DM_TABLE_DEPS_CMD,
			want: DmQueryInactiveTable,
			call: func(dm *DM) error { _, err := dm.TableDeps(name, all); return err },
		},
		{
			op: "table status", cmd: uapi.DM_TABLE_STATUS_CMD,
			want: DmNoFlush | DmStatusTable | DmQueryInactiveTable,
			call: func(dm *DM) error { _, _, err := dm.TableStatus(name, all); return err },
		},
	}

	for _, tc := range cases {
		t.Run(tc.op, func(t *testing.T) {
			dm, ch := newFakeDM(fakeReply{})
			require.NoError(t, tc.call(dm))
			require.Len(t, ch.calls, 1)
			assert.Equal(t, tc.cmd, ch.calls[0].cmd)
			assert.Equal(t, uint32(tc.want), ch.calls[0].hdr.Flags)
		})
	}
}

func TestDeviceCreateOmitsEmptyUUID(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{}, fakeReply{})

	_, err := dm.DeviceCreate("dev-a", "", 0)
	require.NoError(t, err)
	assert.Empty(t, ch.calls[0].hdr.UUIDBytes())

	_, err = dm.DeviceCreate("dev-b", "uuid-b", 0)
	require.NoError(t, err)
	assert.Equal(t, "uuid-b", string(ch.calls[1].hdr.UUIDBytes()))
}

func TestRenamePayloadIsNullTerminated(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{})

	_, err := dm.DeviceRenameName(Name("old"), Name("new-name"))
	require.NoError(t, err)

	call := ch.calls[0]
	assert.Equal(t, uint32(uapi.DM_DEV_RENAME_CMD), call.cmd)
	assert.Equal(t, "old", string(call.hdr.NameBytes()))
	assert.Equal(t, uint32(0), call.hdr.Flags)
	assert.Equal(t, []byte("new-name\x00"), call.payload)
}

func TestRenameUUIDSetsUUIDFlag(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{})

	_, err := dm.DeviceRenameUUID(Name("dev"), UUID("fresh-uuid"))
	require.NoError(t, err)

	call := ch.calls[0]
	assert.Equal(t, uint32(DmUUID), call.hdr.Flags)
	assert.Equal(t, []byte("fresh-uuid\x00"), call.payload)
}

func TestTableLoadPayloadLayout(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{})

	targets := []TargetLine{
		LinearTarget(0, 100, "/dev/sda", 0),    // params "/dev/sda 0", 10 bytes
		{Start: 100, Length: 50, Type: "zero"}, // empty params
	}
	_, err := dm.TableLoad(Name("dev"), targets)
	require.NoError(t, err)

	call := ch.calls[0]
	assert.Equal(t, uint32(uapi.DM_TABLE_LOAD_CMD), call.cmd)
	assert.Equal(t, uint32(2), call.hdr.TargetCount)

	// First row: 40-byte prefix, then params padded to the 8-byte boundary
	// with at least one null terminator.
	var spec uapi.TargetSpec
	require.NoError(t, uapi.UnmarshalTargetSpec(call.payload, &spec))
	assert.Equal(t, uint64(0), spec.SectorStart)
	assert.Equal(t, uint64(100), spec.Length)
	assert.Equal(t, int32(0), spec.Status)
	assert.Equal(t, "linear", string(uapi.TrimNull(spec.TargetType[:])))

	padded := uapi.AlignTo(len("/dev/sda 0")+1, 8) // 16
	assert.Equal(t, uint32(uapi.SizeofTargetSpec+padded), spec.Next)
	assert.Equal(t, []byte("/dev/sda 0\x00\x00\x00\x00\x00\x00"),
		call.payload[uapi.SizeofTargetSpec:uapi.SizeofTargetSpec+padded])

	// Second row starts where the first row's next field says.
	second := call.payload[spec.Next:]
	var spec2 uapi.TargetSpec
	require.NoError(t, uapi.UnmarshalTargetSpec(second, &spec2))
	assert.Equal(t, uint64(100), spec2.SectorStart)
	assert.Equal(t, "zero", string(uapi.TrimNull(spec2.TargetType[:])))
	assert.Equal(t, uint32(uapi.SizeofTargetSpec+8), spec2.Next)

	assert.Len(t, call.payload, int(spec.Next+spec2.Next))
}

func TestTableLoadRejectsOversizedTargetType(t *testing.T) {
	dm, ch := newFakeDM()

	_, err := dm.TableLoad(Name("dev"), []TargetLine{
		{Start: 0, Length: 1, Type: TargetType(strings.Repeat("x", MaxTargetTypeLen+1))},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidIdentifier))
	assert.Empty(t, ch.calls, "nothing should reach the kernel")
}

func TestTargetMsgPayload(t *testing.T) {
	dm, ch := newFakeDM(fakeReply{}, fakeReply{})

	sector := Sectors(0x1122334455)
	_, _, err := dm.TargetMsg(Name("pool"), &sector, "create_thin 0")
	require.NoError(t, err)

	payload := ch.calls[0].payload
	require.GreaterOrEqual(t, len(payload), uapi.SizeofTargetMsg)
	assert.Equal(t, uint64(sector), binary.LittleEndian.Uint64(payload[:8]))
	assert.Equal(t, []byte("create_thin 0\x00"), payload[8:])

	// nil sector addresses the whole device: sector field zero.
	_, _, err = dm.TargetMsg(Name("pool"), nil, "reserve_metadata_snap")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(ch.calls[1].payload[:8]))
}

func TestTargetMsgDataOut(t *testing.T) {
	dm, _ := newFakeDM(
		fakeReply{
			mutate: func(hdr *uapi.Ioctl) { hdr.Flags |= uint32(DmDataOut) },
			data:   []byte("1 2\x00"),
		},
		fakeReply{data: []byte("ignored without the flag\x00")},
	)

	_, out, err := dm.TargetMsg(Name("pool"), nil, "release_metadata_snap")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "1 2", *out)

	_, out, err = dm.TargetMsg(Name("pool"), nil, "noop")
	require.NoError(t, err)
	assert.Nil(t, out, "reply data only counts when the kernel flags it")
}

func TestDeviceInfoDecodesReplyHeader(t *testing.T) {
	dm, _ := newFakeDM(fakeReply{
		mutate: func(hdr *uapi.Ioctl) {
			hdr.Dev = uint64(Device{Major: 253, Minor: 7}.KdevT())
			hdr.OpenCount = 3
			hdr.TargetCount = 2
			hdr.EventNr = 17
			hdr.Flags |= uint32(DmActivePresent | DmSuspend)
		},
	})

	info, err := dm.DeviceInfo(Name("example-dev"))
	require.NoError(t, err)
	assert.Equal(t, "example-dev", info.Name)
	assert.Equal(t, Device{Major: 253, Minor: 7}, info.Dev)
	assert.Equal(t, int32(3), info.OpenCount)
	assert.Equal(t, uint32(2), info.TargetCount)
	assert.Equal(t, uint32(17), info.EventNr)
	assert.True(t, info.SuspendedState())
	assert.True(t, info.ActiveTablePresent())
	assert.False(t, info.InactiveTablePresent())
}

func TestTableStatusParsesRows(t *testing.T) {
	rows := statusPayload(t, []TargetLine{
		LinearTarget(0, 1000, "/dev/sdb1", 2048),
		{Start: 1000, Length: 24, Type: "error"},
	})

	dm, _ := newFakeDM(fakeReply{
		mutate: func(hdr *uapi.Ioctl) { hdr.TargetCount = 2 },
		data:   rows,
	})

	_, table, err := dm.TableStatus(Name("dev"), DmStatusTable)
	require.NoError(t, err)
	require.Len(t, table, 2)
	assert.Equal(t, TargetLine{Start: 0, Length: 1000, Type: "linear", Params: "/dev/sdb1 2048"}, table[0])
	assert.Equal(t, TargetLine{Start: 1000, Length: 24, Type: "error", Params: ""}, table[1])
}

func TestTableDepsDecodesDeviceNumbers(t *testing.T) {
	payload := make([]byte, uapi.SizeofTargetDeps+2*8)
	binary.LittleEndian.PutUint32(payload[0:4], 2)
	binary.LittleEndian.PutUint64(payload[8:16], uint64(Device{Major: 8, Minor: 1}.KdevT()))
	binary.LittleEndian.PutUint64(payload[16:24], uint64(Device{Major: 253, Minor: 300}.KdevT()))

	dm, _ := newFakeDM(fakeReply{data: payload})

	deps, err := dm.TableDeps(Name("dev"), 0)
	require.NoError(t, err)
	assert.Equal(t, []Device{{Major: 8, Minor: 1}, {Major: 253, Minor: 300}}, deps)
}

func TestTableDepsEmptyForBareDevice(t *testing.T) {
	dm, _ := newFakeDM(fakeReply{})

	deps, err := dm.TableDeps(Name("dev"), 0)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestIoctlFailureWrapsErrnoAndSentHeader(t *testing.T) {
	var sent uapi.Ioctl
	sent.SetName("busy-dev")
	dm, _ := newFakeDM(fakeReply{
		err: &ctrl.IoctlError{Cmd: uapi.DM_DEV_REMOVE_CMD, Errno: unix.EBUSY, Hdr: sent},
	})

	_, err := dm.DeviceRemove(Name("busy-dev"), 0)
	require.Error(t, err)

	var dmErr *Error
	require.ErrorAs(t, err, &dmErr)
	assert.Equal(t, "device remove", dmErr.Op)
	assert.Equal(t, ErrCodeDeviceBusy, dmErr.Code)
	assert.Equal(t, unix.EBUSY, dmErr.Errno)
	require.NotNil(t, dmErr.Info)
	assert.Equal(t, "busy-dev", dmErr.Info.Name)

	assert.True(t, IsCode(err, ErrCodeDeviceBusy))
	assert.True(t, IsErrno(err, unix.EBUSY))
	assert.True(t, errors.Is(err, unix.EBUSY))
}

func TestMetricsCountCommands(t *testing.T) {
	dm, _ := newFakeDM(
		fakeReply{},
		fakeReply{err: &ctrl.IoctlError{Cmd: uapi.DM_DEV_STATUS_CMD, Errno: unix.ENXIO}},
	)

	// The fake channel bypasses ctrl's recorder hooks, so feed the metrics
	// the way the channel would.
	dm.metrics.RecordCommand(uapi.DM_DEV_STATUS_CMD, 0, 0, nil)
	dm.metrics.RecordCommand(uapi.DM_DEV_STATUS_CMD, 0, 0, errors.New("enxio"))

	snap := dm.Metrics().Snapshot()
	stats := snap.Commands["device status"]
	assert.Equal(t, uint64(2), stats.Calls)
	assert.Equal(t, uint64(1), stats.Errors)
}

func TestCloseReleasesChannel(t *testing.T) {
	dm, ch := newFakeDM()
	require.NoError(t, dm.Close())
	assert.True(t, ch.closed)
}

// statusPayload lays out table rows the way the kernel's status path does:
// each row's next field holds the offset of the following row from the start
// of the payload.
func statusPayload(t *testing.T, targets []TargetLine) []byte {
	t.Helper()

	var payload []byte
	for _, target := range targets {
		padded := uapi.AlignTo(len(target.Params)+1, 8)
		spec := uapi.TargetSpec{
			SectorStart: uint64(target.Start),
			Length:      uint64(target.Length),
			Next:        uint32(len(payload) + uapi.SizeofTargetSpec + padded),
		}
		copy(spec.TargetType[:], target.Type)

		payload = append(payload, uapi.MarshalTargetSpec(&spec)...)
		payload = append(payload, target.Params...)
		payload = append(payload, make([]byte, padded-len(target.Params))...)
	}
	return payload
}
